package flowpipe

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

func attrRunID(id uuid.UUID) slog.Attr {
	return slog.String("run_id", id.String())
}

func attrPipeline(name string) slog.Attr {
	return slog.String("pipeline", name)
}

func attrStep(label string) slog.Attr {
	return slog.String("step", label)
}

func attrAttempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

func attrAction(a Action) slog.Attr {
	return slog.String("action", a.String())
}

func attrDelay(d time.Duration) slog.Attr {
	return slog.Duration("delay", d)
}

func attrError(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}
