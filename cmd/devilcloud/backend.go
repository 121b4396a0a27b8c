package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	devilcloud "github.com/DEVIL0924/devil-cloud-advanced"
	"github.com/DEVIL0924/devil-cloud-advanced/pkg/client"
)

// botAPI is what the bot commands need. It is served either in-process from
// the registry (local mode) or by a running daemon (--api-url).
type botAPI interface {
	Submit(ctx context.Context, req client.SubmitRequest) (string, error)
	Upload(ctx context.Context, req client.UploadRequest) (string, error)
	List(ctx context.Context, owner string) ([]client.Bot, error)
	Get(ctx context.Context, id string) (client.Bot, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Logs(ctx context.Context, id string, lines int) (client.Logs, error)
	Events(ctx context.Context, id string, limit int) ([]client.Event, error)
	Reconcile(ctx context.Context) (client.ReconcileResult, error)
	Close() error
}

// openAPI picks the backend for the global flags.
func openAPI(g *GlobalFlags) (botAPI, error) {
	if g.APIURL != "" {
		cfg := client.Config{
			BaseURL:  g.APIURL,
			Timeout:  g.APITimeout,
			Tenant:   g.Tenant,
			Admin:    g.Admin,
			Insecure: g.Insecure,
		}
		if g.CACert != "" {
			cfg.TLS = &client.TLSClientConfig{CACert: g.CACert}
		}
		c, err := client.New(cfg)
		if err != nil {
			return nil, err
		}
		return remoteAPI{c}, nil
	}
	sup, err := openSupervisor(g.ConfigPath)
	if err != nil {
		return nil, err
	}
	return &localAPI{sup: sup}, nil
}

type remoteAPI struct{ *client.Client }

func (remoteAPI) Close() error { return nil }

// localAPI drives the controller directly. It has operator rights: owner
// filters are honoured as given.
type localAPI struct {
	sup *devilcloud.Supervisor
}

func (l *localAPI) Submit(ctx context.Context, req client.SubmitRequest) (string, error) {
	exe, err := filepath.Abs(req.Executable)
	if err != nil {
		return "", err
	}
	return l.sup.Submit(ctx, devilcloud.SubmitRequest{
		Owner:      req.Owner,
		Executable: exe,
		Runtime:    req.Runtime,
		Name:       req.Name,
		StorageDir: req.StorageDir,
	})
}

func (l *localAPI) Upload(context.Context, client.UploadRequest) (string, error) {
	return "", errors.New("--upload needs a daemon; pass --api-url")
}

func (l *localAPI) List(ctx context.Context, owner string) ([]client.Bot, error) {
	var (
		recs []devilcloud.Record
		err  error
	)
	if owner != "" {
		recs, err = l.sup.ListForOwner(ctx, owner)
	} else {
		recs, err = l.sup.List(ctx)
	}
	if err != nil {
		return nil, err
	}
	out := make([]client.Bot, 0, len(recs))
	for _, r := range recs {
		out = append(out, toBot(devilcloud.Status{Record: r}))
	}
	return out, nil
}

func (l *localAPI) Get(ctx context.Context, id string) (client.Bot, error) {
	st, err := l.sup.Get(ctx, id)
	if err != nil {
		return client.Bot{}, err
	}
	return toBot(st), nil
}

func (l *localAPI) Start(ctx context.Context, id string) error   { return l.sup.Start(ctx, id) }
func (l *localAPI) Stop(ctx context.Context, id string) error    { return l.sup.Stop(ctx, id) }
func (l *localAPI) Restart(ctx context.Context, id string) error { return l.sup.Restart(ctx, id) }
func (l *localAPI) Delete(ctx context.Context, id string) error  { return l.sup.Delete(ctx, id) }

func (l *localAPI) Logs(ctx context.Context, id string, lines int) (client.Logs, error) {
	if lines <= 0 {
		lines = 100
	}
	out, err := l.sup.LogsTail(ctx, id, lines)
	if errors.Is(err, devilcloud.ErrNoLogs) {
		return client.Logs{Lines: []string{}, Message: "no logs yet"}, nil
	}
	if err != nil {
		return client.Logs{}, err
	}
	return client.Logs{Lines: out}, nil
}

func (l *localAPI) Events(ctx context.Context, id string, limit int) ([]client.Event, error) {
	if _, err := l.sup.Get(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	evs, err := l.sup.Events(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	out := make([]client.Event, 0, len(evs))
	for _, e := range evs {
		out = append(out, toEvent(e))
	}
	return out, nil
}

// Reconcile runs one monitor pass. The restart policy starts empty here, so
// only a long-running serve enforces the storm limit across passes.
func (l *localAPI) Reconcile(ctx context.Context) (client.ReconcileResult, error) {
	res, err := l.sup.NewMonitor().RunOnce(ctx)
	if err != nil {
		return client.ReconcileResult{}, fmt.Errorf("reconcile: %w", err)
	}
	return client.ReconcileResult{
		Checked:    res.Checked,
		Dead:       res.Dead,
		Restarted:  res.Restarted,
		Suppressed: res.Suppressed,
		Failed:     res.Failed,
	}, nil
}

func (l *localAPI) Close() error { return l.sup.Close() }

func toBot(s devilcloud.Status) client.Bot {
	return client.Bot{
		ID:            s.ID,
		Owner:         s.Owner,
		Name:          s.Name,
		Executable:    s.Executable,
		StorageDir:    s.StorageDir,
		Runtime:       string(s.Runtime),
		State:         string(s.State),
		PID:           s.PID,
		LastStartedAt: s.LastStartedAt,
		RestartCount:  s.RestartCount,
		LogPath:       s.LogPath,
		CreatedAt:     s.CreatedAt,
		LastExit:      s.LastExit,
		CPUPercent:    s.CPUPercent,
		MemoryBytes:   s.MemoryBytes,
	}
}

func toEvent(e devilcloud.Event) client.Event {
	return client.Event{
		Type:         string(e.Type),
		OccurredAt:   e.OccurredAt,
		RecordID:     e.RecordID,
		Owner:        e.Owner,
		Name:         e.Name,
		PID:          e.PID,
		State:        e.State,
		RestartCount: e.RestartCount,
		Message:      e.Message,
	}
}

// openSupervisor loads the config and opens the local components.
func openSupervisor(configPath string) (*devilcloud.Supervisor, error) {
	cfg, err := devilcloud.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return devilcloud.Open(cfg, nil)
}
