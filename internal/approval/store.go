// Package approval implements the operator approval ledger. Every
// record is an independent JSON file named after its request id;
// writes are whole-document replacements and a record resolves at
// most once.
package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status represents the state of an approval request. Only pending
// records may transition.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Verdict is an operator decision applied to a pending request.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
)

// Request is one persisted operator decision.
type Request struct {
	ID          string `json:"id"`
	Status      Status `json:"status"`
	CreatedAt   string `json:"created_at"`
	ChatID      string `json:"chat_id"`
	CommandText string `json:"command_text"`

	Reason             string `json:"reason,omitempty"`
	AgentRequestReason string `json:"agent_request_reason,omitempty"`
	Note               string `json:"note,omitempty"`

	ResolvedAt       string `json:"resolved_at,omitempty"`
	ResolvedByChatID string `json:"resolved_by_chat_id,omitempty"`

	ConsensusRequired bool     `json:"consensus_required,omitempty"`
	ConsensusMin      int      `json:"consensus_min,omitempty"`
	ConsensusYes      int      `json:"consensus_yes,omitempty"`
	ConsensusRunID    string   `json:"consensus_run_id,omitempty"`
	ConsensusArtifact string   `json:"consensus_artifact,omitempty"`
	ErrorAgents       []string `json:"error_agents,omitempty"`

	WatchdogFailureHash string `json:"watchdog_failure_hash,omitempty"`
	WatchdogExcerpt     string `json:"watchdog_excerpt,omitempty"`

	PlanReviewTriggered     bool   `json:"plan_review_triggered"`
	PlanReviewTriggeredAt   string `json:"plan_review_triggered_at,omitempty"`
	PlanReviewExitCode      int    `json:"plan_review_exit_code,omitempty"`
	PlanReviewOutputPreview string `json:"plan_review_output_preview,omitempty"`
}

// Resolution errors. AlreadyResolvedError carries the terminal status
// so callers can echo it to the operator.
var (
	ErrNotFound     = errors.New("approval not found")
	ErrUnauthorized = errors.New("chat does not own this approval")
)

// AlreadyResolvedError is returned when resolving a non-pending record.
type AlreadyResolvedError struct {
	Status Status
}

func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("approval already %s", e.Status)
}

// validID guards against path traversal through operator-supplied ids.
var validID = regexp.MustCompile(`^req_[0-9]+_[0-9a-f]{8}$`)

// Store manages approval files on disk.
type Store struct {
	dir string
	mu  sync.Mutex

	// now is swappable for tests.
	now func() time.Time
}

// NewStore creates a Store backed by the given directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create approval directory: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Create persists a new pending request owned by chatID and returns it.
func (s *Store) Create(chatID, commandText string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	req := &Request{
		ID:          fmt.Sprintf("req_%d_%s", now.Unix(), uuid.NewString()[:8]),
		Status:      StatusPending,
		CreatedAt:   now.Format("2006-01-02T15:04:05Z"),
		ChatID:      chatID,
		CommandText: commandText,
	}
	if err := s.writeAtomic(req); err != nil {
		return nil, err
	}
	return req, nil
}

// Load returns the record for id, or ErrNotFound.
func (s *Store) Load(id string) (*Request, error) {
	if !validID.MatchString(id) {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	req, err := s.read(id)
	if err != nil {
		return nil, ErrNotFound
	}
	return req, nil
}

// Save replaces the whole record. The record must carry an id.
func (s *Store) Save(req *Request) error {
	if req.ID == "" {
		return fmt.Errorf("approval missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAtomic(req)
}

// ListPending returns pending requests owned by chatID, ascending by
// filename (ids embed the creation epoch, so this is creation order).
// Malformed entries are skipped.
func (s *Store) ListPending(chatID string) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*Request
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "req_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		req, err := s.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		if req.Status != StatusPending || req.ChatID != chatID {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// Resolve applies an operator verdict to a pending record. It fails
// with ErrNotFound, ErrUnauthorized, or AlreadyResolvedError without
// mutating the record; on success it writes the terminal status and
// returns the updated record.
func (s *Store) Resolve(id, chatID string, verdict Verdict) (*Request, error) {
	if !validID.MatchString(id) {
		return nil, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.read(id)
	if err != nil {
		return nil, ErrNotFound
	}
	if req.ChatID != chatID {
		return nil, ErrUnauthorized
	}
	if req.Status != StatusPending {
		return nil, &AlreadyResolvedError{Status: req.Status}
	}

	switch verdict {
	case VerdictApprove:
		req.Status = StatusApproved
	case VerdictReject:
		req.Status = StatusRejected
	default:
		return nil, fmt.Errorf("unknown verdict %q", verdict)
	}
	req.ResolvedAt = s.now().UTC().Format("2006-01-02T15:04:05Z")
	req.ResolvedByChatID = chatID

	if err := s.writeAtomic(req); err != nil {
		return nil, err
	}
	return req, nil
}

// HasPendingSimilar reports whether a pending request exists for chatID
// with the same reason and the same (case-insensitive, trimmed) agent
// request detail. Suppresses duplicate auto-generated requests.
func (s *Store) HasPendingSimilar(chatID, reason, detail string) bool {
	pending, err := s.ListPending(chatID)
	if err != nil {
		return false
	}
	detailNorm := strings.ToLower(strings.TrimSpace(detail))
	reasonNorm := strings.ToLower(strings.TrimSpace(reason))
	for _, req := range pending {
		if strings.ToLower(strings.TrimSpace(req.Reason)) != reasonNorm {
			continue
		}
		reqDetail := strings.ToLower(strings.TrimSpace(req.AgentRequestReason))
		if reqDetail != "" && reqDetail == detailNorm {
			return true
		}
		if reqDetail == "" && detailNorm == "" {
			return true
		}
	}
	return false
}

// HasPendingWithReasonPrefix reports whether any pending request for
// chatID carries a reason starting with prefix. The watchdog uses this
// to avoid stacking alerts behind an unresolved one.
func (s *Store) HasPendingWithReasonPrefix(chatID, prefix string) bool {
	pending, err := s.ListPending(chatID)
	if err != nil {
		return false
	}
	for _, req := range pending {
		if strings.HasPrefix(req.Reason, prefix) {
			return true
		}
	}
	return false
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) read(id string) (*Request, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *Store) writeAtomic(req *Request) error {
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return err
	}
	path := s.path(req.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
