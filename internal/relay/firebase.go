package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"peerdrop/internal/config"
	"peerdrop/pkg/utils"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// Firebase stores envelopes under signals/{code} in a Realtime Database and
// delivers them to subscribers by polling in push-key order.
type Firebase struct {
	ref          *db.Ref
	pollInterval time.Duration
}

// record is the stored form of an Envelope. The payload is kept as an
// encoded string so the database never reinterprets it.
type record struct {
	Kind      Kind   `json:"type"`
	Payload   string `json:"payload"`
	From      string `json:"from"`
	Timestamp int64  `json:"timestamp"`
}

func NewFirebase(ctx context.Context, cfg config.FirebaseConfig, pollInterval time.Duration) (*Firebase, error) {
	opt := option.WithCredentialsFile(cfg.CredentialsPath)

	firebaseConfig := &firebase.Config{
		ProjectID:   cfg.ProjectID,
		DatabaseURL: cfg.DatabaseURL,
	}

	app, err := firebase.NewApp(ctx, firebaseConfig, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing Firebase app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting database client: %w", err)
	}

	return &Firebase{
		ref:          client.NewRef("signals"),
		pollInterval: pollInterval,
	}, nil
}

func toRecord(env Envelope) (record, error) {
	payload, err := utils.Encode(env.Payload)
	if err != nil {
		return record{}, err
	}
	ts := env.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return record{Kind: env.Kind, Payload: payload, From: env.From, Timestamp: ts}, nil
}

func fromRecord(code string, r record) (Envelope, error) {
	payload, err := utils.Decode[json.RawMessage](r.Payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: r.Kind, Payload: payload, Code: code, From: r.From, Timestamp: r.Timestamp}, nil
}

func (f *Firebase) Publish(ctx context.Context, code string, env Envelope) error {
	rec, err := toRecord(env)
	if err != nil {
		return fmt.Errorf("error encoding envelope: %w", err)
	}
	if _, err := f.ref.Child(code).Push(ctx, rec); err != nil {
		return fmt.Errorf("error publishing %s for %s: %w", env.Kind, code, err)
	}
	return nil
}

func (f *Firebase) Subscribe(ctx context.Context, code string) (<-chan Envelope, error) {
	out := make(chan Envelope, subscriberBuffer)
	go f.poll(ctx, code, out)
	return out, nil
}

func (f *Firebase) poll(ctx context.Context, code string, out chan<- Envelope) {
	defer close(out)

	log := logrus.WithField("code", code)
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	lastKey := ""
	for {
		query := f.ref.Child(code).OrderByKey()
		if lastKey != "" {
			query = query.StartAt(lastKey)
		}

		nodes, err := query.GetOrdered(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("Failed to poll signaling messages")
		}

		for _, node := range nodes {
			if node.Key() <= lastKey {
				continue
			}
			lastKey = node.Key()

			var rec record
			if err := node.Unmarshal(&rec); err != nil {
				log.WithError(err).Warn("Skipping malformed signaling record")
				continue
			}
			env, err := fromRecord(code, rec)
			if err != nil {
				log.WithError(err).Warn("Skipping undecodable signaling payload")
				continue
			}

			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Delete removes every envelope stored for code.
func (f *Firebase) Delete(ctx context.Context, code string) error {
	if err := f.ref.Child(code).Delete(ctx); err != nil {
		return fmt.Errorf("error deleting signals for %s: %w", code, err)
	}
	return nil
}
