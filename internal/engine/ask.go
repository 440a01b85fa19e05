package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rendis/funnel/pkg/schema"
)

// AskStatus is the outcome of a question.
type AskStatus string

const (
	AskSuccess  AskStatus = "SUCCESS"
	AskTimeout  AskStatus = "TIMEOUT"
	AskCanceled AskStatus = "CANCELED"
)

// Answer is the outcome of Ask.
type Answer struct {
	Status   AskStatus
	Messages []schema.Message
	// RetryMessage is the last retry sent, if any.
	RetryMessage *schema.Message
}

// OK reports whether the contact replied.
func (a Answer) OK() bool { return a.Status == AskSuccess }

// Text joins the text of the reply messages.
func (a Answer) Text() string {
	parts := make([]string, 0, len(a.Messages))
	for _, m := range a.Messages {
		if m.Text != "" {
			parts = append(parts, m.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// AskOptions configures a question.
type AskOptions struct {
	// Timeout of each attempt. Zero uses the engine default. A retry
	// message's own Timeout takes precedence.
	Timeout time.Duration
	// RetryCount is the number of retries when OnRetry is set; zero means one.
	RetryCount int
	// OnRetry builds the message of retry attempt (1-based). Returning nil
	// stops retrying with a TIMEOUT outcome.
	OnRetry func(attempt int, last schema.Message) *schema.Message
}

func (o AskOptions) retries() int {
	if o.OnRetry == nil {
		return 0
	}
	return max(o.RetryCount, 1)
}

// storedAnswer is the execution log form of an Answer; replies are stored
// by message id.
type storedAnswer struct {
	Status       AskStatus       `json:"status"`
	MessageIDs   []string        `json:"message_ids,omitempty"`
	RetryMessage *schema.Message `json:"retry_message,omitempty"`
}

func (rt *Runtime) answerTransform() Transform[Answer] {
	return Transform[Answer]{
		Set: func(_ context.Context, a Answer) (any, error) {
			s := storedAnswer{Status: a.Status, RetryMessage: a.RetryMessage}
			for _, m := range a.Messages {
				s.MessageIDs = append(s.MessageIDs, m.ID)
			}
			return s, nil
		},
		Get: func(ctx context.Context, raw json.RawMessage) (Answer, error) {
			var s storedAnswer
			if err := json.Unmarshal(raw, &s); err != nil {
				return Answer{}, err
			}
			a := Answer{Status: s.Status, RetryMessage: s.RetryMessage}
			if len(s.MessageIDs) == 0 {
				return a, nil
			}
			msgs, err := rt.loadMessages(ctx, s.MessageIDs)
			if err != nil {
				return Answer{}, fmt.Errorf("hydrate answer messages: %w", err)
			}
			a.Messages = msgs
			return a, nil
		},
		Blocking: true,
	}
}

// Ask sends msg and waits for the contact's reply. Without a reply in time
// it sends the retry messages built by OnRetry, each with its own wait.
//
// The question is sent once: a conversation restarted while waiting resumes
// the wait, and replies that arrived meanwhile resolve it immediately.
// Replies that arrived while the stage was executing answer the question as
// soon as it is sent.
func (rt *Runtime) Ask(ctx context.Context, msg schema.Message, opts AskOptions) (Answer, error) {
	args := []any{msg, opts.Timeout.Milliseconds(), opts.retries()}
	return Call(ctx, rt, "ask", args, func(ctx context.Context, step *Step) (Answer, error) {
		return rt.ask(ctx, step, msg, opts)
	}, WithTransform(rt.answerTransform()))
}

// AskText asks a text question.
func (rt *Runtime) AskText(ctx context.Context, text string, opts AskOptions) (Answer, error) {
	return rt.Ask(ctx, schema.Text(text), opts)
}

func (rt *Runtime) ask(ctx context.Context, step *Step, msg schema.Message, opts AskOptions) (Answer, error) {
	logger := rt.env.logger

	switch status := rt.status(); {
	case status.Terminal():
		return rt.answered(ctx, Answer{Status: AskCanceled}), nil
	case status == schema.StatusAwaiting:
		if msgs := rt.takePending(); len(msgs) > 0 {
			a := Answer{Status: AskSuccess, Messages: msgs}
			current, err := StepVar(ctx, step, varCurrentRetry, 0)
			if err != nil {
				logger.WarnContext(ctx, "read retry index", slog.String("error", err.Error()))
			}
			if current > 0 {
				last, err := StepVar(ctx, step, varLastRetryMessage, msg)
				if err == nil {
					a.RetryMessage = &last
				}
			}
			return rt.answered(ctx, a), nil
		}
	default:
		if err := rt.setStatus(ctx, schema.StatusAwaiting); err != nil {
			return Answer{}, err
		}
	}

	last, err := StepVar(ctx, step, varLastRetryMessage, msg)
	if err != nil {
		return Answer{}, err
	}
	current, err := StepVar(ctx, step, varCurrentRetry, 0)
	if err != nil {
		return Answer{}, err
	}

	retries := opts.retries()
	outcome := Answer{Status: AskTimeout}
	for i := current; i <= retries; i++ {
		sentKey := fmt.Sprintf("sendQuestionSent_retry_%d", i)
		sent, err := StepVar(ctx, step, sentKey, false)
		if err != nil {
			return Answer{}, err
		}

		out := last
		if !sent {
			out = msg
			if i > 0 {
				next := opts.OnRetry(i, last)
				if next == nil {
					outcome = Answer{Status: AskTimeout, RetryMessage: &last}
					break
				}
				out = *next
			}
			if err := SetStepVar(ctx, step, varLastRetryMessage, out); err != nil {
				logger.WarnContext(ctx, "cache retry message", slog.String("error", err.Error()))
			}
			if err := SetStepVar(ctx, step, varCurrentRetry, i); err != nil {
				logger.WarnContext(ctx, "cache retry index", slog.String("error", err.Error()))
			}
			if _, err := rt.send(ctx, out); err != nil {
				return Answer{}, err
			}
			if err := SetStepVar(ctx, step, sentKey, true); err != nil {
				logger.WarnContext(ctx, "cache sent marker", slog.String("error", err.Error()))
			}
			last = out
		}

		wait := opts.Timeout
		if out.Timeout > 0 {
			wait = out.Timeout
		}
		outcome, err = rt.waitReply(ctx, step, fmt.Sprintf("sendQuestionTimeout_retry_%d", i), wait)
		if err != nil {
			return Answer{}, err
		}
		if i > 0 {
			retryMsg := last
			outcome.RetryMessage = &retryMsg
		}
		if outcome.Status != AskTimeout {
			break
		}
	}

	return rt.answered(ctx, outcome), nil
}

// waitReply waits for the next reply, the timer named name, or cancellation.
func (rt *Runtime) waitReply(ctx context.Context, step *Step, name string, d time.Duration) (Answer, error) {
	timer, err := rt.env.timers.New(ctx, step.Coord, name, d)
	if err != nil {
		return Answer{}, err
	}

	replyVar := name + "_reply"
	if timer.Canceled() {
		if a, ok, err := rt.storedReply(ctx, step, replyVar); err != nil || ok {
			return a, err
		}
	}

	done := make(chan Answer, 1)
	var mu sync.Mutex
	settled := false
	settle := func(a Answer) bool {
		mu.Lock()
		defer mu.Unlock()
		if settled {
			return false
		}
		settled = true
		done <- a
		return true
	}

	rt.mu.Lock()
	rt.abort = func() { settle(Answer{Status: AskCanceled}) }
	rt.mu.Unlock()
	defer func() {
		rt.mu.Lock()
		rt.abort = nil
		rt.mu.Unlock()
	}()

	unregister := rt.onReply(func(msgs []schema.Message) bool {
		return settle(Answer{Status: AskSuccess, Messages: msgs})
	})
	defer unregister()

	if err := timer.Start(ctx, func() { settle(Answer{Status: AskTimeout}) }); err != nil {
		return Answer{}, err
	}

	var a Answer
	select {
	case a = <-done:
	case <-ctx.Done():
		select {
		case a = <-done:
		default:
			return Answer{}, ctx.Err()
		}
	}
	if a.Status == AskSuccess {
		rt.keepReply(ctx, step, timer, replyVar, a.Messages)
	}
	return a, nil
}

// keepReply stores the reply ids, then cancels the timer. A canceled timer
// found after a restart always has its reply stored.
func (rt *Runtime) keepReply(ctx context.Context, step *Step, timer *DurableTimer, replyVar string, msgs []schema.Message) {
	wctx := context.WithoutCancel(ctx)
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if err := SetStepVar(wctx, step, replyVar, ids); err != nil {
		rt.env.logger.WarnContext(ctx, "cache question reply", slog.String("error", err.Error()))
	}
	if err := timer.Cancel(wctx); err != nil {
		rt.env.logger.WarnContext(ctx, "cancel question timer", slog.String("error", err.Error()))
	}
}

// storedReply returns the reply kept by keepReply, if any.
func (rt *Runtime) storedReply(ctx context.Context, step *Step, replyVar string) (Answer, bool, error) {
	ids, err := StepVar(ctx, step, replyVar, []string(nil))
	if err != nil || len(ids) == 0 {
		return Answer{}, false, err
	}
	msgs, err := rt.loadMessages(ctx, ids)
	if err != nil {
		return Answer{}, false, schema.NewErrorf(schema.ErrCodePersistence, "load question reply: %s", err.Error()).WithCause(err)
	}
	return Answer{Status: AskSuccess, Messages: msgs}, true, nil
}

func (rt *Runtime) loadMessages(ctx context.Context, ids []string) ([]schema.Message, error) {
	rows, err := rt.env.store.GetMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	msgs := make([]schema.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.Message)
	}
	return msgs, nil
}

// answered finishes a question: replies are marked processed and a waiting
// conversation goes back to executing.
func (rt *Runtime) answered(ctx context.Context, a Answer) Answer {
	if a.Status == AskSuccess {
		rt.markProcessed(ctx, a.Messages)
	}
	if rt.status() == schema.StatusAwaiting {
		if err := rt.setStatus(ctx, schema.StatusExecuting); err != nil {
			rt.env.logger.WarnContext(ctx, "resume executing", slog.String("error", err.Error()))
		}
	}
	rt.env.metrics.Ask(string(a.Status))
	return a
}
