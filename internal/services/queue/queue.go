package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/pollinations-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
)

// StartFunc tries to claim the chat's text slot; it reports whether processing may begin
type StartFunc func() bool

// ProcessFunc handles one request whose slot has been claimed by StartFunc
type ProcessFunc func(ctx context.Context, req models.PendingRequest) error

// Stats tracks queue activity
type Stats struct {
	Enqueued  int64
	Processed int64
	Failed    int64
	Dropped   int64
	Pending   int
	Draining  int
}

// Manager keeps one FIFO of pending text requests per chat
type Manager struct {
	mu       sync.Mutex
	pending  map[int64][]models.PendingRequest
	draining map[int64]bool
	stats    Stats
	wg       sync.WaitGroup
	onDepth  func(int)
	logger   *logrus.Logger
}

// NewManager creates an empty queue manager. onDepth, if set, receives the total depth after
// every change.
func NewManager(logger *logrus.Logger, onDepth func(int)) *Manager {
	return &Manager{
		pending:  make(map[int64][]models.PendingRequest),
		draining: make(map[int64]bool),
		onDepth:  onDepth,
		logger:   logger,
	}
}

// Submit starts req immediately when the chat is idle and nothing is waiting, otherwise it
// appends req to the chat queue and returns its 1-based position.
func (m *Manager) Submit(chatID int64, req models.PendingRequest, start StartFunc) (position int, started bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending[chatID]) == 0 && !m.draining[chatID] && start() {
		return 0, true
	}

	m.pending[chatID] = append(m.pending[chatID], req)
	m.stats.Enqueued++
	position = len(m.pending[chatID])
	m.depthChanged()

	m.logger.WithFields(logrus.Fields{
		"chat_id":  chatID,
		"position": position,
	}).Info("Request queued")
	return position, false
}

// Drain spawns the chat's drain loop unless one is already running or nothing is queued.
// It reports whether a loop was spawned.
func (m *Manager) Drain(ctx context.Context, chatID int64, start StartFunc, process ProcessFunc) bool {
	m.mu.Lock()
	if m.draining[chatID] || len(m.pending[chatID]) == 0 {
		m.mu.Unlock()
		return false
	}
	m.draining[chatID] = true
	m.stats.Draining++
	m.mu.Unlock()

	m.wg.Add(1)
	go m.drain(ctx, chatID, start, process)
	return true
}

func (m *Manager) drain(ctx context.Context, chatID int64, start StartFunc, process ProcessFunc) {
	defer m.wg.Done()
	log := m.logger.WithField("chat_id", chatID)

	for {
		req, ok := m.next(chatID, start)
		if !ok {
			return
		}

		if err := m.safeProcess(ctx, req, process); err != nil {
			log.WithError(err).Warn("Queued request failed")
			m.mu.Lock()
			m.stats.Failed++
			m.mu.Unlock()
			continue
		}

		m.mu.Lock()
		m.stats.Processed++
		m.mu.Unlock()
	}
}

// next pops the head of the queue after claiming the slot. When the queue is empty or the
// slot is busy the loop ends; whoever holds the slot drains again after finishing.
func (m *Manager) next(chatID int64, start StartFunc) (models.PendingRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.pending[chatID]
	if len(q) == 0 || !start() {
		delete(m.draining, chatID)
		m.stats.Draining--
		if len(q) == 0 {
			delete(m.pending, chatID)
		}
		return models.PendingRequest{}, false
	}

	req := q[0]
	q[0] = models.PendingRequest{}
	m.pending[chatID] = q[1:]
	m.depthChanged()
	return req, true
}

func (m *Manager) safeProcess(ctx context.Context, req models.PendingRequest, process ProcessFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in queued request: %v", r)
		}
	}()
	return process(ctx, req)
}

// Len returns the number of pending requests for a chat
func (m *Manager) Len(chatID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[chatID])
}

// Clear drops all pending requests for a chat and returns how many were dropped
func (m *Manager) Clear(chatID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.pending[chatID])
	delete(m.pending, chatID)
	m.stats.Dropped += int64(n)
	if n > 0 {
		m.depthChanged()
	}
	return n
}

// Stats returns a snapshot of the queue counters
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stats
	st.Pending = m.total()
	return st
}

// Wait blocks until every running drain loop has returned
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) total() int {
	n := 0
	for _, q := range m.pending {
		n += len(q)
	}
	return n
}

// depthChanged reports the new total depth. Caller holds mu.
func (m *Manager) depthChanged() {
	if m.onDepth != nil {
		m.onDepth(m.total())
	}
}
