package trial

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mediashrink/internal/encoder"
	"mediashrink/internal/encoder/encodertest"
	"mediashrink/internal/logger"
	"mediashrink/internal/media"
)

func imageRequest(target int64) media.Request {
	return media.Request{
		Input:       media.Input{Path: "photo.jpg", Size: 1000},
		Kind:        media.KindImage,
		TargetBytes: target,
	}
}

func TestRunRecordsOutcome(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir(), "test")
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Remove()

	fake := encodertest.New(func(req encoder.Request) (int64, error) {
		return int64(req.Strategy.Quality * 10), nil
	})
	r := NewRunner(fake, 2, 0, logger.Discard())

	fits := r.Run(context.Background(), ws.Dir, 1, 0, imageRequest(500), media.Strategy{Format: media.FormatJPEG, Quality: 40})
	if !fits.Encoded || !fits.Fits || fits.Size != 400 {
		t.Fatalf("unexpected trial: %+v", fits)
	}
	over := r.Run(context.Background(), ws.Dir, 1, 1, imageRequest(500), media.Strategy{Format: media.FormatJPEG, Quality: 80})
	if !over.Encoded || over.Fits {
		t.Fatalf("800 bytes must not fit a 500 byte budget: %+v", over)
	}
	if fits.Path == over.Path {
		t.Fatal("trial outputs must be uniquely named")
	}
	if _, err := os.Stat(fits.Path); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}

	if err := DiscardAll([]*Trial{fits, over}, over); err != nil {
		t.Fatal(err)
	}
	if fits.Path != "" {
		t.Fatal("discarded trial should forget its path")
	}
	if _, err := os.Stat(over.Path); err != nil {
		t.Fatalf("kept artifact removed: %v", err)
	}

	if err := ws.Remove(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(ws.Dir); !os.IsNotExist(err) {
		t.Fatal("workspace not removed")
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	dir := t.TempDir()
	boom := errors.New("codec exploded")
	fake := encodertest.New(func(req encoder.Request) (int64, error) {
		return 0, boom
	})
	r := NewRunner(fake, 1, 0, logger.Discard())

	tr := r.Run(context.Background(), dir, 0, 0, imageRequest(0), media.Strategy{Format: media.FormatJPEG, Quality: 50})
	if tr.Encoded || tr.Fits || !errors.Is(tr.Err, boom) {
		t.Fatalf("expected isolated failure, got %+v", tr)
	}
	if tr.Path != "" || tr.Size != 0 {
		t.Fatalf("failed trial should leave no artifact, got %+v", tr)
	}

	panicky := NewRunner(panicEncoder{}, 1, 0, logger.Discard())
	tr = panicky.Run(context.Background(), dir, 0, 1, imageRequest(0), media.Strategy{Format: media.FormatPNG})
	var encErr *media.EncodeError
	if !errors.As(tr.Err, &encErr) || encErr.Op != "panic" {
		t.Fatalf("panic should become an EncodeError, got %v", tr.Err)
	}
}

func TestRunTimeout(t *testing.T) {
	fake := encodertest.New(func(req encoder.Request) (int64, error) { return 10, nil })
	fake.Delay = func(encoder.Request) time.Duration { return time.Minute }
	r := NewRunner(fake, 1, 20*time.Millisecond, logger.Discard())

	tr := r.Run(context.Background(), t.TempDir(), 0, 0, imageRequest(0), media.Strategy{Format: media.FormatJPEG, Quality: 50})
	if tr.Encoded || !errors.Is(tr.Err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout failure, got %+v", tr)
	}
}

func TestRunRespectsConcurrencyCeiling(t *testing.T) {
	var inFlight, peak atomic.Int32
	enc := encoderFunc(func(ctx context.Context, req encoder.Request) (*encoder.Output, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return &encoder.Output{Size: 1}, nil
	})
	r := NewRunner(enc, 2, 0, logger.Discard())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Run(context.Background(), t.TempDir(), i, i, imageRequest(0), media.Strategy{Format: media.FormatJPEG})
		}(i)
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency %d exceeds ceiling 2", peak.Load())
	}
}

type encoderFunc func(ctx context.Context, req encoder.Request) (*encoder.Output, error)

func (f encoderFunc) Encode(ctx context.Context, req encoder.Request) (*encoder.Output, error) {
	return f(ctx, req)
}

type panicEncoder struct{}

func (panicEncoder) Encode(context.Context, encoder.Request) (*encoder.Output, error) {
	panic("nil image")
}
