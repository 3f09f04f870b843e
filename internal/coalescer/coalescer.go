// Package coalescer turns a stream of chat messages into sequential agent
// turns: bursts are debounced into one prompt and messages that arrive while
// a turn runs are queued as follow-ups.
package coalescer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const DefaultWindow = 1500 * time.Millisecond

// Message is one inbound chat message.
type Message struct {
	Key     string
	EventID string
	Text    string
	User    string
	// Conversational messages are part of the visible thread and make the
	// turn replay prior thread history as context.
	Conversational bool
}

type Source string

const (
	SourceDebounce Source = "debounce"
	SourceFollowUp Source = "follow_up"
)

// PendingTurn is the unit of work handed to the executor.
type PendingTurn struct {
	ConversationKey   string
	Message           string
	EventIDs          []string
	PrimaryEventID    string
	IncludeHistory    bool
	ExcludeHistoryIDs []string
	Source            Source
}

// Handler runs one turn. Turns for the same key are never concurrent.
type Handler func(ctx context.Context, turn PendingTurn) error

type Disposition string

const (
	// Debounced: the message started or extended a debounce batch.
	Debounced Disposition = "debounced"
	// Queued: a turn is running; the message waits in the follow-up queue.
	Queued Disposition = "queued"
	// Steered: as Queued, but earlier queued follow-ups were discarded.
	Steered Disposition = "steered"
)

var ErrClosed = errors.New("coalescer is shut down")

type phase int

const (
	phaseIdle phase = iota
	phaseDebouncing
	phaseExecuting
)

func (p phase) String() string {
	switch p {
	case phaseDebouncing:
		return "debouncing"
	case phaseExecuting:
		return "executing"
	default:
		return "idle"
	}
}

type conversation struct {
	phase phase
	batch []Message
	stop  func() bool
	gen   int
	queue []Message
}

type Options struct {
	Window  time.Duration
	Handler Handler
	// BaseContext is the parent of every handler context. Defaults to
	// context.Background.
	BaseContext context.Context
	Logger      *log.Logger

	afterFunc func(time.Duration, func()) func() bool
}

type Coalescer struct {
	window    time.Duration
	handler   Handler
	baseCtx   context.Context
	logger    *log.Logger
	afterFunc func(time.Duration, func()) func() bool

	mu     sync.Mutex
	convs  map[string]*conversation
	closed bool
	wg     sync.WaitGroup
}

func New(opts Options) (*Coalescer, error) {
	if opts.Handler == nil {
		return nil, errors.New("coalescer requires a turn handler")
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	baseCtx := opts.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	afterFunc := opts.afterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	return &Coalescer{
		window:    window,
		handler:   opts.Handler,
		baseCtx:   baseCtx,
		logger:    opts.Logger,
		afterFunc: afterFunc,
		convs:     map[string]*conversation{},
	}, nil
}

// Submit routes msg into its conversation's debounce batch or follow-up
// queue.
func (c *Coalescer) Submit(msg Message) (Disposition, error) {
	msg.Key = strings.TrimSpace(msg.Key)
	if msg.Key == "" {
		return "", errors.New("message is missing a conversation key")
	}
	if strings.TrimSpace(msg.Text) == "" {
		return "", errors.New("message text is empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}

	conv, ok := c.convs[msg.Key]
	if !ok {
		conv = &conversation{}
		c.convs[msg.Key] = conv
	}

	switch conv.phase {
	case phaseIdle, phaseDebouncing:
		conv.batch = append(conv.batch, msg)
		conv.phase = phaseDebouncing
		c.armLocked(msg.Key, conv)
		return Debounced, nil
	default:
		disposition := Queued
		if IsSteeringMessage(msg.Text) {
			if c.logger != nil && len(conv.queue) > 0 {
				c.logger.Info("steering message discarded queued follow-ups", "conversation", msg.Key, "discarded", len(conv.queue))
			}
			conv.queue = nil
			disposition = Steered
		}
		conv.queue = append(conv.queue, msg)
		return disposition, nil
	}
}

// armLocked (re)starts the debounce window for conv.
func (c *Coalescer) armLocked(key string, conv *conversation) {
	if conv.stop != nil {
		conv.stop()
	}
	conv.gen++
	gen := conv.gen
	conv.stop = c.afterFunc(c.window, func() { c.fire(key, gen) })
}

func (c *Coalescer) fire(key string, gen int) {
	c.mu.Lock()
	conv, ok := c.convs[key]
	if !ok || conv.gen != gen || conv.phase != phaseDebouncing {
		c.mu.Unlock()
		return
	}
	turn := c.startLocked(key, conv)
	c.mu.Unlock()

	go c.run(turn)
}

// startLocked resolves the debounce batch and moves conv to executing.
func (c *Coalescer) startLocked(key string, conv *conversation) PendingTurn {
	turn := MergeBatch(key, conv.batch)
	conv.batch = nil
	conv.stop = nil
	conv.phase = phaseExecuting
	c.wg.Add(1)
	return turn
}

// run executes turn and then drains follow-ups until the queue is empty.
func (c *Coalescer) run(turn PendingTurn) {
	defer c.wg.Done()
	for {
		if err := c.handler(c.baseCtx, turn); err != nil && c.logger != nil {
			c.logger.Debug("turn handler returned error", "conversation", turn.ConversationKey, "event_id", turn.PrimaryEventID, "error", err)
		}

		c.mu.Lock()
		conv := c.convs[turn.ConversationKey]
		if len(conv.queue) == 0 {
			delete(c.convs, turn.ConversationKey)
			c.mu.Unlock()
			return
		}
		items := conv.queue
		conv.queue = nil
		c.mu.Unlock()

		turn = SummarizeFollowUps(turn.ConversationKey, items)
	}
}

// State reports a conversation's phase and queued follow-up count.
func (c *Coalescer) State(key string) (string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[key]
	if !ok {
		return phaseIdle.String(), 0
	}
	return conv.phase.String(), len(conv.queue)
}

// Drop discards a conversation's debouncing batch and queued follow-ups and
// returns how many messages were dropped. A turn already executing is not
// affected.
func (c *Coalescer) Drop(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[key]
	if !ok {
		return 0
	}
	dropped := len(conv.queue)
	conv.queue = nil
	if conv.phase == phaseDebouncing {
		if conv.stop != nil {
			conv.stop()
		}
		conv.gen++
		dropped += len(conv.batch)
		delete(c.convs, key)
	}
	return dropped
}

// Wait blocks until every running turn loop has finished.
func (c *Coalescer) Wait() {
	c.wg.Wait()
}

// Shutdown stops accepting messages, starts any batch still in its debounce
// window immediately and waits for all turn loops to drain.
func (c *Coalescer) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	var turns []PendingTurn
	for key, conv := range c.convs {
		if conv.phase != phaseDebouncing {
			continue
		}
		if conv.stop != nil {
			conv.stop()
		}
		conv.gen++
		turns = append(turns, c.startLocked(key, conv))
	}
	c.mu.Unlock()

	for _, turn := range turns {
		go c.run(turn)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight turns: %w", ctx.Err())
	}
}

// MergeBatch combines a debounce batch into one turn: texts joined by a
// blank line, event ids deduplicated in arrival order, latest id primary.
func MergeBatch(key string, batch []Message) PendingTurn {
	parts := make([]string, 0, len(batch))
	for _, msg := range batch {
		parts = append(parts, msg.Text)
	}
	turn := turnFrom(key, batch)
	turn.Message = strings.Join(parts, "\n\n")
	turn.Source = SourceDebounce
	return turn
}

// SummarizeFollowUps folds drained follow-ups into one turn. A single item is
// passed through verbatim; several are rendered as "[user]: text" blocks.
func SummarizeFollowUps(key string, items []Message) PendingTurn {
	turn := turnFrom(key, items)
	turn.Source = SourceFollowUp
	if len(items) == 1 {
		turn.Message = items[0].Text
		return turn
	}
	blocks := make([]string, 0, len(items))
	for _, item := range items {
		user := strings.TrimSpace(item.User)
		if user == "" {
			user = "user"
		}
		blocks = append(blocks, fmt.Sprintf("[%s]: %s", user, item.Text))
	}
	turn.Message = strings.Join(blocks, "\n\n")
	return turn
}

func turnFrom(key string, items []Message) PendingTurn {
	turn := PendingTurn{ConversationKey: key}
	seen := map[string]bool{}
	for _, item := range items {
		if item.Conversational {
			turn.IncludeHistory = true
		}
		id := strings.TrimSpace(item.EventID)
		if id == "" {
			continue
		}
		turn.PrimaryEventID = id
		if seen[id] {
			continue
		}
		seen[id] = true
		turn.EventIDs = append(turn.EventIDs, id)
	}
	turn.ExcludeHistoryIDs = append([]string(nil), turn.EventIDs...)
	return turn
}
