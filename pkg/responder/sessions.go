package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"roomrelay/pkg/logger"
	respondertypes "roomrelay/pkg/responder/types"
)

const (
	defaultMaxSessions = 4096

	// NoReply is the sentinel a backend emits when no answer is warranted.
	NoReply = "[NO_REPLY]"
)

// SessionOptions configures a Sessions manager.
type SessionOptions struct {
	System           string
	CorrectionPrefix string
	MaxSessions      int
	Logger           *slog.Logger
}

// Sessions maps conversation keys onto backend sessions and serializes
// prompts per key.
type Sessions struct {
	backend          Backend
	system           string
	correctionPrefix string
	log              *slog.Logger

	mu       sync.Mutex
	sessions *lru.Cache[string, *session]

	usageMu sync.Mutex
	usage   respondertypes.TokenUsage
}

type session struct {
	id       string
	promptMu sync.Mutex
}

type sessionCloser interface {
	CloseSession(sessionID string)
}

func NewSessions(backend Backend, opts SessionOptions) (*Sessions, error) {
	if backend == nil {
		return nil, errors.New("responder backend is required")
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = defaultMaxSessions
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Sessions{
		backend:          backend,
		system:           strings.TrimSpace(opts.System),
		correctionPrefix: strings.TrimSpace(opts.CorrectionPrefix),
		log:              opts.Logger.With("component", "responder.sessions"),
	}

	cache, err := lru.NewWithEvict[string, *session](opts.MaxSessions, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	s.sessions = cache

	return s, nil
}

// Respond prompts the backend session for conversationKey.
func (s *Sessions) Respond(ctx context.Context, conversationKey string, text string) (Reply, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, nil
	}

	sess, err := s.sessionFor(ctx, conversationKey)
	if err != nil {
		return Reply{}, err
	}

	sess.promptMu.Lock()
	defer sess.promptMu.Unlock()

	result, err := s.backend.Prompt(ctx, sess.id, text, s.system)
	if err != nil {
		return Reply{}, err
	}
	if result.Metadata.Usage != nil {
		s.usageMu.Lock()
		s.usage.Add(*result.Metadata.Usage)
		s.usageMu.Unlock()
	}

	reply := s.parseReply(result.Text)
	s.log.Debug("Responder replied",
		"conversation_key", conversationKey,
		"session_id", sess.id,
		"correction", reply.Correction,
		"reply", logger.Preview(reply.Text),
	)

	return reply, nil
}

// Health checks the backend.
func (s *Sessions) Health(ctx context.Context) error {
	return s.backend.Health(ctx)
}

// Usage returns token usage accumulated across all sessions.
func (s *Sessions) Usage() respondertypes.TokenUsage {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	return s.usage
}

// Len returns the number of tracked sessions.
func (s *Sessions) Len() int {
	return s.sessions.Len()
}

// Close forgets every tracked session.
func (s *Sessions) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions.Purge()
}

func (s *Sessions) sessionFor(ctx context.Context, conversationKey string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions.Get(conversationKey); ok {
		return sess, nil
	}

	title := "roomrelay:" + conversationKey + ":" + uuid.NewString()[:8]
	id, err := s.backend.CreateSession(ctx, title)
	if err != nil {
		return nil, fmt.Errorf("start session for %s: %w", conversationKey, err)
	}

	sess := &session{id: id}
	s.sessions.Add(conversationKey, sess)
	return sess, nil
}

func (s *Sessions) onEvict(conversationKey string, sess *session) {
	if closer, ok := s.backend.(sessionCloser); ok {
		closer.CloseSession(sess.id)
	}
	s.log.Debug("Session evicted", "conversation_key", conversationKey, "session_id", sess.id)
}

func (s *Sessions) parseReply(text string) Reply {
	text = strings.TrimSpace(text)
	if text == "" || strings.Contains(text, NoReply) {
		return Reply{}
	}

	if s.correctionPrefix != "" && strings.HasPrefix(text, s.correctionPrefix) {
		body := strings.TrimSpace(strings.TrimPrefix(text, s.correctionPrefix))
		if body == "" {
			return Reply{}
		}
		return Reply{Text: body, Correction: true}
	}

	return Reply{Text: text}
}
