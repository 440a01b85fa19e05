package flowdef

import (
	"context"

	"github.com/rendis/funnel/internal/engine"
	"github.com/rendis/funnel/pkg/schema"
)

func (st *state) run(ctx context.Context, actions []schema.ActionDefinition) error {
	for i := range actions {
		if err := st.do(ctx, &actions[i]); err != nil {
			return err
		}
	}
	return nil
}

func (st *state) do(ctx context.Context, a *schema.ActionDefinition) error {
	switch {
	case a.Send != nil:
		msg, err := st.render(ctx, a.Send)
		if err != nil {
			return err
		}
		_, err = st.rt.SendMessage(ctx, msg)
		return err

	case a.Ask != nil:
		return st.ask(ctx, a.Ask)

	case a.Tag != nil:
		switch {
		case a.Tag.Add != "":
			return st.rt.AddTag(ctx, a.Tag.Add)
		case a.Tag.Remove != "":
			count := a.Tag.Count
			if count == 0 {
				count = -1
			}
			return st.rt.RemoveTags(ctx, a.Tag.Remove, count)
		default:
			return st.rt.ClearTags(ctx)
		}

	case a.Set != nil:
		return st.set(ctx, a.Set)

	case a.Wait != "":
		d, err := schema.ParseDuration(a.Wait)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "wait %q: %s", a.Wait, err.Error())
		}
		return st.rt.Await(ctx, d)

	case a.Log != nil:
		text, err := st.s.c.interp.Render(ctx, a.Log.Text, st.scope)
		if err != nil {
			return err
		}
		switch a.Log.Level {
		case "debug":
			st.rt.Debug(ctx, text)
		case "warn":
			st.rt.Warn(ctx, text)
		case "error":
			st.rt.Error(ctx, text)
		default:
			st.rt.Info(ctx, text)
		}
		return nil
	}
	return schema.NewError(schema.ErrCodeConfiguration, "action without a kind")
}

// ask sends the question and waits. A reply becomes the stage reply and,
// with save_as, a metadata field; a timeout leaves the reply empty.
func (st *state) ask(ctx context.Context, a *schema.AskAction) error {
	msg, err := st.render(ctx, &a.SendAction)
	if err != nil {
		return err
	}
	timeout, err := schema.ParseDuration(a.Timeout)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "ask timeout %q: %s", a.Timeout, err.Error())
	}

	opts := engine.AskOptions{Timeout: timeout}
	if len(a.Retries) > 0 {
		retries := make([]schema.Message, len(a.Retries))
		for i := range a.Retries {
			r := &a.Retries[i]
			m, err := st.render(ctx, &r.SendAction)
			if err != nil {
				return err
			}
			d, err := schema.ParseDuration(r.Timeout)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "retry timeout %q: %s", r.Timeout, err.Error())
			}
			retries[i] = schema.Retry(m, d)
		}
		opts.RetryCount = len(retries)
		opts.OnRetry = func(attempt int, _ schema.Message) *schema.Message {
			if attempt > len(retries) {
				return nil
			}
			return &retries[attempt-1]
		}
	}

	answer, err := st.rt.Ask(ctx, msg, opts)
	if err != nil {
		return err
	}
	st.reply = ""
	if answer.OK() {
		st.reply = answer.Text()
	}
	st.scope = st.scope.WithReply(st.reply)

	if a.SaveAs != "" && answer.OK() {
		if err := st.rt.Metadata().Set(ctx, a.SaveAs, st.reply); err != nil {
			return err
		}
		st.scope = st.scope.WithMetadata(a.SaveAs, st.reply)
	}
	return nil
}

func (st *state) set(ctx context.Context, a *schema.SetAction) error {
	var (
		v   any
		err error
	)
	if a.Expr != "" {
		v, err = st.s.c.expr.Evaluate(ctx, a.Expr, st.scope.Data())
	} else {
		v, err = st.s.c.jq.Evaluate(ctx, a.JQ, st.scope.Data())
	}
	if err != nil {
		return err
	}
	if err := st.rt.Metadata().Set(ctx, a.Key, v); err != nil {
		return err
	}
	st.scope = st.scope.WithMetadata(a.Key, v)
	return nil
}

func (st *state) render(ctx context.Context, s *schema.SendAction) (schema.Message, error) {
	msg := s.Message()
	fields := []*string{&msg.Text, &msg.URL, &msg.Caption, &msg.FileName}
	for _, f := range fields {
		out, err := st.s.c.interp.Render(ctx, *f, st.scope)
		if err != nil {
			return schema.Message{}, err
		}
		*f = out
	}
	if len(msg.Options) > 0 {
		opts := make([]string, len(msg.Options))
		for i, o := range msg.Options {
			out, err := st.s.c.interp.Render(ctx, o, st.scope)
			if err != nil {
				return schema.Message{}, err
			}
			opts[i] = out
		}
		msg.Options = opts
	}
	return msg, nil
}
