package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/logger"
	"github.com/OFFIS-RIT/kbmerge/pkg/resolve"
)

// ErrInvalidMessage marks messages that can never succeed. They go to the
// dead-letter queue without retries.
var ErrInvalidMessage = errors.New("invalid message")

// MergeRequestMsg asks the worker to run passes. No kinds means all kinds.
type MergeRequestMsg struct {
	Kinds       []string `json:"kinds"`
	RequestedBy string   `json:"requested_by"`
}

// PassCompletedMsg is published after every successful pass.
type PassCompletedMsg struct {
	Kind        kb.Kind   `json:"kind"`
	PassID      string    `json:"pass_id"`
	Resumed     bool      `json:"resumed"`
	Merged      int       `json:"merged"`
	Review      int       `json:"review"`
	Conflicts   int       `json:"identity_conflicts"`
	Manifest    string    `json:"manifest,omitempty"`
	RequestedBy string    `json:"requested_by,omitempty"`
	FinishedAt  time.Time `json:"finished_at"`
}

// PassRunner is implemented by *resolve.Engine.
type PassRunner interface {
	RunPass(ctx context.Context, kind kb.Kind) (*resolve.PassResult, error)
}

type ManifestWriter interface {
	Write(ctx context.Context, res *resolve.PassResult) (string, error)
}

type RedirectForgetter interface {
	Forget(ctx context.Context, ids ...string) error
}

// MergeHandler runs the passes a message asks for and announces the results.
// Manifests, redirects and events are optional.
type MergeHandler struct {
	runner       PassRunner
	manifests    ManifestWriter
	redirects    RedirectForgetter
	events       Publisher
	completedKey string
}

type MergeHandlerOption func(*MergeHandler)

func WithManifests(m ManifestWriter) MergeHandlerOption {
	return func(h *MergeHandler) { h.manifests = m }
}

func WithRedirects(r RedirectForgetter) MergeHandlerOption {
	return func(h *MergeHandler) { h.redirects = r }
}

func WithEvents(p Publisher, routingKey string) MergeHandlerOption {
	return func(h *MergeHandler) {
		h.events = p
		h.completedKey = routingKey
	}
}

func NewMergeHandler(runner PassRunner, opts ...MergeHandlerOption) *MergeHandler {
	h := &MergeHandler{runner: runner, completedKey: "kb.pass.completed"}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ParseMergeRequest decodes a message body and resolves its kinds.
func ParseMergeRequest(body []byte) (*MergeRequestMsg, []kb.Kind, error) {
	var msg MergeRequestMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if len(msg.Kinds) == 0 {
		return &msg, kb.Kinds, nil
	}
	seen := make(map[kb.Kind]bool)
	kinds := make([]kb.Kind, 0, len(msg.Kinds))
	for _, s := range msg.Kinds {
		k, err := kb.ParseKind(s)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		if !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	return &msg, kinds, nil
}

// ProcessMergeMessage runs one pass per requested kind concurrently. The
// message succeeds only when every pass does; a redelivery resumes the
// failed passes from their checkpoints and the finished ones start fresh
// passes that find nothing left to merge.
func (h *MergeHandler) ProcessMergeMessage(ctx context.Context, body []byte) error {
	msg, kinds, err := ParseMergeRequest(body)
	if err != nil {
		return err
	}
	logger.Info("[Queue] Merge requested", "kinds", kinds, "requested_by", msg.RequestedBy)

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	for _, kind := range kinds {
		g.Go(func() error {
			res, err := h.runner.RunPass(ctx, kind)
			if err == nil {
				err = h.Finish(ctx, res, msg.RequestedBy)
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", kind, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Finish uploads the manifest, drops stale redirects and publishes the
// completion event of a successful pass.
func (h *MergeHandler) Finish(ctx context.Context, res *resolve.PassResult, requestedBy string) error {
	var manifest string
	if h.manifests != nil {
		key, err := h.manifests.Write(ctx, res)
		if err != nil {
			return fmt.Errorf("write manifest: %w", err)
		}
		manifest = key
	}
	if h.redirects != nil {
		if err := h.redirects.Forget(ctx, res.Redirected...); err != nil {
			logger.Warn("[Queue] Failed to drop cached redirects", "kind", res.Kind, "err", err)
		}
	}
	if h.events == nil {
		return nil
	}

	data, err := json.Marshal(PassCompletedMsg{
		Kind:        res.Kind,
		PassID:      res.PassID,
		Resumed:     res.Resumed,
		Merged:      res.Merged,
		Review:      res.Review,
		Conflicts:   res.Conflict,
		Manifest:    manifest,
		RequestedBy: requestedBy,
		FinishedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := PublishTopic(ctx, h.events, h.completedKey, data); err != nil {
		return fmt.Errorf("publish completion: %w", err)
	}
	return nil
}
