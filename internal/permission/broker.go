// Package permission gates tool execution behind client approval. Decisions
// are cached per branch; persistent choices survive the run via branch
// metadata.
package permission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/weftwork/weft/internal/bus"
	"github.com/weftwork/weft/pkg/models"
)

// ErrDenied is returned when the client (or a cached decision) refuses a
// tool call.
var ErrDenied = errors.New("tool call denied")

// MetadataKey is the branch metadata key persistent decisions are stored
// under.
const MetadataKey = "permissions"

// decision is a cached persistent answer.
type decision struct {
	Tool        string `json:"tool"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Allow       bool   `json:"allow"`
}

// Broker resolves permission for tool calls on one branch.
type Broker struct {
	events *bus.Bus
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]decision
	dirty bool
}

// NewBroker creates a broker. Persistent decisions previously stored in
// branch metadata can be restored with Restore.
func NewBroker(events *bus.Bus, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		events: events,
		logger: logger,
		cache:  make(map[string]decision),
	}
}

// Fingerprint returns the stable hash of a tool's arguments used as the
// secondary cache key. Empty arguments fingerprint to the empty string.
func Fingerprint(args json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	sum := sha256.Sum256(args)
	return hex.EncodeToString(sum[:8])
}

func cacheKey(tool, fingerprint string) string {
	return tool + "\x00" + fingerprint
}

// Check resolves permission for one tool call. Cached always-decisions
// answer immediately; otherwise a PERMISSION_REQUEST is emitted and the
// client's response is awaited. A nil error means the call may proceed.
func (b *Broker) Check(ctx context.Context, callID, tool string, args json.RawMessage) error {
	fingerprint := Fingerprint(args)

	b.mu.Lock()
	// Argument-specific decisions win over tool-wide ones.
	if d, ok := b.cache[cacheKey(tool, fingerprint)]; ok {
		b.mu.Unlock()
		return b.verdict(tool, d.Allow, "cached")
	}
	if d, ok := b.cache[cacheKey(tool, "")]; ok {
		b.mu.Unlock()
		return b.verdict(tool, d.Allow, "cached")
	}
	b.mu.Unlock()

	permissionID := uuid.NewString()
	err := b.events.Emit(ctx, models.Event{
		Type: models.EventPermissionRequest,
		Permission: &models.PermissionPayload{
			PermissionID: permissionID,
			CallID:       callID,
			ToolName:     tool,
			Args:         args,
		},
	})
	if err != nil {
		return fmt.Errorf("requesting permission for %s: %w", tool, err)
	}

	resp, err := b.events.Await(ctx, permissionID)
	if err != nil {
		return fmt.Errorf("awaiting permission for %s: %w", tool, err)
	}
	if resp.Permission == nil {
		return fmt.Errorf("permission response for %s missing payload", tool)
	}

	switch resp.Permission.Choice {
	case models.PermissionAllow:
		return nil
	case models.PermissionAllowAlways:
		b.remember(tool, fingerprint, true)
		return nil
	case models.PermissionDeny:
		return b.verdict(tool, false, "client")
	case models.PermissionDenyAlways:
		b.remember(tool, fingerprint, false)
		return b.verdict(tool, false, "client")
	default:
		return fmt.Errorf("unrecognized permission choice %q for %s", resp.Permission.Choice, tool)
	}
}

func (b *Broker) verdict(tool string, allow bool, source string) error {
	if allow {
		return nil
	}
	b.logger.Debug("tool call denied", "tool", tool, "source", source)
	return fmt.Errorf("%w: %s", ErrDenied, tool)
}

func (b *Broker) remember(tool, fingerprint string, allow bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache[cacheKey(tool, fingerprint)] = decision{Tool: tool, Fingerprint: fingerprint, Allow: allow}
	b.dirty = true
}

// Dirty reports whether persistent decisions changed since the last Flush.
func (b *Broker) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

// Flush writes persistent decisions into branch metadata and clears the
// dirty flag. Call at end of message turn before saving the branch.
func (b *Broker) Flush(branch *models.Branch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.cache) == 0 {
		b.dirty = false
		return
	}
	decisions := make([]decision, 0, len(b.cache))
	for _, d := range b.cache {
		decisions = append(decisions, d)
	}
	if branch.Metadata == nil {
		branch.Metadata = make(map[string]any)
	}
	branch.Metadata[MetadataKey] = decisions
	b.dirty = false
}

// Restore loads persistent decisions from branch metadata. Tolerates both
// live []decision values and JSON round-tripped forms.
func (b *Broker) Restore(branch *models.Branch) {
	if branch == nil || branch.Metadata == nil {
		return
	}
	raw, ok := branch.Metadata[MetadataKey]
	if !ok {
		return
	}

	var decisions []decision
	switch v := raw.(type) {
	case []decision:
		decisions = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			b.logger.Warn("unreadable permission metadata", "branch", branch.ID, "error", err)
			return
		}
		if err := json.Unmarshal(encoded, &decisions); err != nil {
			b.logger.Warn("unreadable permission metadata", "branch", branch.ID, "error", err)
			return
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range decisions {
		b.cache[cacheKey(d.Tool, d.Fingerprint)] = d
	}
}
