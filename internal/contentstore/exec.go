package contentstore

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/datahosting/pinbill/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the exec-based store.
var Module = fx.Provide(NewExecStore)

// ExecStore shells out to the node and cluster control binaries. Every
// call is bounded by the configured timeout so a wedged daemon cannot
// stall a billing batch.
type ExecStore struct {
	ipfsBin    string
	clusterBin string
	timeout    time.Duration
	log        *zap.Logger
}

func NewExecStore(cfg config.Config, log *zap.Logger) Store {
	timeout := time.Duration(cfg.StoreTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ExecStore{
		ipfsBin:    cfg.IPFSBin,
		clusterBin: cfg.ClusterCtlBin,
		timeout:    timeout,
		log:        log.Named("contentstore"),
	}
}

func (s *ExecStore) Add(ctx context.Context, path string) (string, error) {
	out, err := s.run(ctx, s.ipfsBin, "add", "-Q", path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAddFailed, err)
	}
	cid := strings.TrimSpace(out)
	if cid == "" {
		return "", fmt.Errorf("%w: empty cid from add", ErrAddFailed)
	}
	return cid, nil
}

func (s *ExecStore) Pin(ctx context.Context, cid string, replicaMin, replicaMax int) error {
	args := []string{"pin", "add"}
	if replicaMin > 0 && replicaMax > 0 {
		args = append(args,
			"--replication-min", strconv.Itoa(replicaMin),
			"--replication-max", strconv.Itoa(replicaMax),
		)
	}
	args = append(args, cid)
	if _, err := s.run(ctx, s.clusterBin, args...); err != nil {
		return fmt.Errorf("%w: %v", ErrPinFailed, err)
	}
	return nil
}

func (s *ExecStore) Unpin(ctx context.Context, cid string) error {
	if _, err := s.run(ctx, s.clusterBin, "pin", "rm", cid); err != nil {
		return fmt.Errorf("%w: %v", ErrUnpinFailed, err)
	}
	return nil
}

func (s *ExecStore) run(ctx context.Context, bin string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		s.log.Warn("store command failed",
			zap.String("bin", bin),
			zap.Strings("args", args),
			zap.ByteString("output", out),
			zap.Error(err),
		)
		return "", fmt.Errorf("%s %s: %v: %s", bin, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
