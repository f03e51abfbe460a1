// Package audit records fleet events in the audit table.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"fleetauth/pkg/bus"
)

// Actors recorded for ingested events.
const (
	ActorAdmin  = "admin"
	ActorHost   = "host"
	ActorSystem = "system"
)

// Subscriber is the consuming half of bus.Bus.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// Entry is one audit row.
type Entry struct {
	ID      int64             `json:"id" gorm:"primaryKey"`
	Actor   string            `json:"actor"`
	Action  string            `json:"action"`
	Obj     string            `json:"obj"`
	Details datatypes.JSONMap `json:"details"`
	At      time.Time         `json:"at"`
}

func (Entry) TableName() string { return "audit" }

// route maps a subject to the actor recorded for it and its durable name.
type route struct {
	subject string
	durable string
	actor   string
	action  string
}

var routes = []route{
	{subject: bus.SubjectHostRegistered, durable: "audit-host-registered", actor: ActorAdmin},
	{subject: bus.SubjectHostUpdated, durable: "audit-host-updated", actor: ActorAdmin},
	{subject: bus.SubjectAuthStored, durable: "audit-auth-stored", actor: ActorHost, action: "auth_stored"},
}

// Ingestor consumes bus events and writes audit rows.
type Ingestor struct {
	orm *gorm.DB
	sub Subscriber
	log zerolog.Logger
	Now func() time.Time

	subMu sync.Mutex
	subs  []io.Closer
}

// NewIngestor constructs an Ingestor.
func NewIngestor(orm *gorm.DB, sub Subscriber, logger zerolog.Logger) (*Ingestor, error) {
	if orm == nil {
		return nil, errors.New("database handle is required")
	}
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	return &Ingestor{
		orm: orm,
		sub: sub,
		log: logger.With().Str("component", "audit").Logger(),
		Now: time.Now,
	}, nil
}

// Start subscribes to every audited subject. Subscriptions end with ctx.
func (i *Ingestor) Start(ctx context.Context) error {
	if i == nil {
		return errors.New("nil ingestor")
	}
	for _, r := range routes {
		r := r
		handler := func(msgCtx context.Context, data []byte) error {
			return i.handle(msgCtx, r, data)
		}
		s, err := i.sub.Subscribe(ctx, r.subject, r.durable, handler)
		if err != nil {
			_ = i.Close()
			return fmt.Errorf("subscribe %s: %w", r.subject, err)
		}
		i.subMu.Lock()
		i.subs = append(i.subs, s)
		i.subMu.Unlock()
	}
	return nil
}

// Close stops every subscription.
func (i *Ingestor) Close() error {
	if i == nil {
		return nil
	}
	i.subMu.Lock()
	defer i.subMu.Unlock()

	var errs []error
	for _, s := range i.subs {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	i.subs = nil
	return errors.Join(errs...)
}

func (i *Ingestor) handle(ctx context.Context, r route, data []byte) error {
	var evt map[string]any
	if err := json.Unmarshal(data, &evt); err != nil {
		// Malformed events would be redelivered forever.
		i.log.Warn().Err(err).Str("subject", r.subject).Msg("drop malformed event")
		return nil
	}
	obj, _ := evt["host_id"].(string)
	if obj == "" {
		i.log.Warn().Str("subject", r.subject).Msg("drop event without host_id")
		return nil
	}
	action := r.action
	if action == "" {
		action, _ = evt["action"].(string)
	}
	if action == "" {
		action = "updated"
	}
	delete(evt, "action")
	return i.Record(ctx, r.actor, action, obj, evt)
}

// Record inserts one audit row.
func (i *Ingestor) Record(ctx context.Context, actor, action, obj string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return err
	}
	err = i.orm.WithContext(ctx).Exec(`INSERT INTO audit (actor, action, obj, details, at) VALUES (?, ?, ?, ?::jsonb, ?)`,
		actor, action, obj, string(raw), i.Now().UTC()).Error
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// Recent returns the newest entries, optionally filtered by object.
func (i *Ingestor) Recent(ctx context.Context, obj string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := i.orm.WithContext(ctx).Model(&Entry{}).Order("id DESC").Limit(limit)
	if obj != "" {
		q = q.Where("obj = ?", obj)
	}
	var out []Entry
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return out, nil
}
