package dataset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/signalsfoundry/traceview/internal/logging"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

var errStillPreparing = errors.New("dataset still preparing")

// Checker reports whether a dataset can be queried.
type Checker interface {
	Ready(ctx context.Context, id string) (bool, error)
}

// HealthChecker asks the server's gRPC health service, which serves one
// status per dataset id.
type HealthChecker struct {
	client healthpb.HealthClient
}

// NewHealthChecker wraps an existing connection.
func NewHealthChecker(cc grpc.ClientConnInterface) *HealthChecker {
	return &HealthChecker{client: healthpb.NewHealthClient(cc)}
}

// DialHealth opens a plaintext, traced client connection to addr.
func DialHealth(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	return grpc.NewClient(addr, append(base, opts...)...)
}

// Ready implements Checker. An id the server does not know is a permanent
// failure; transport errors are retried.
func (h *HealthChecker) Ready(ctx context.Context, id string) (bool, error) {
	resp, err := h.client.Check(ctx, &healthpb.HealthCheckRequest{Service: id})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, backoff.Permanent(fmt.Errorf("%w: %s", ErrUnknownDataset, id))
		}
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// ListChecker reads readiness from the dataset listing. It needs nothing
// beyond the HTTP API.
type ListChecker struct {
	Client Client
}

// Ready implements Checker.
func (l ListChecker) Ready(ctx context.Context, id string) (bool, error) {
	infos, err := l.Client.Datasets(ctx)
	if err != nil {
		return false, err
	}
	for _, info := range infos {
		if info.ID == id {
			return info.Ready, nil
		}
	}
	return false, backoff.Permanent(fmt.Errorf("%w: %s", ErrUnknownDataset, id))
}

// Backoff bounds a readiness poll.
type Backoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Timeout caps the whole wait; zero waits until ctx is done.
	Timeout time.Duration
}

// WaitReady polls c until id is ready, backing off exponentially between
// attempts.
func WaitReady(ctx context.Context, c Checker, id string, b Backoff, log logging.Logger) error {
	log = logging.OrNoop(log)
	eb := backoff.NewExponentialBackOff()
	if b.InitialInterval > 0 {
		eb.InitialInterval = b.InitialInterval
	}
	if b.MaxInterval > 0 {
		eb.MaxInterval = b.MaxInterval
	}

	if b.Timeout < 0 {
		b.Timeout = 0
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(eb),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug(ctx, "dataset not ready",
				logging.String("dataset", id),
				logging.Duration("retry_in", next),
				logging.Err(err),
			)
		}),
		backoff.WithMaxElapsedTime(b.Timeout),
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		ok, err := c.Ready(ctx, id)
		if err != nil {
			return struct{}{}, err
		}
		if !ok {
			return struct{}{}, errStillPreparing
		}
		return struct{}{}, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("wait for dataset %s: %w", id, err)
	}
	return nil
}

// WatchReadiness waits for the dataset in the background and, once it is
// ready, refetches every resource that was answered "not ready". The
// returned channel yields the wait's outcome after the refresh ran. Closing
// the session stops the wait.
func (s *Session) WatchReadiness(c Checker, b Backoff) <-chan error {
	done := make(chan error, 1)
	ctx := s.ctx
	go func() {
		err := WaitReady(ctx, c, s.info.ID, b, s.log)
		s.reg.sched.ScheduleSync(func() {
			switch {
			case s.closed:
			case err != nil:
				s.log.Warn(ctx, "dataset never became ready", logging.Err(err))
			default:
				s.info.Ready = true
				n := s.RefreshNotReady()
				s.log.Info(ctx, "dataset ready", logging.Int("refetched", n))
			}
			done <- err
		})
	}()
	return done
}
