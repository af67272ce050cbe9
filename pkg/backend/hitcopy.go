package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/latticeflow/wfengine/pkg/cache"
	"github.com/latticeflow/wfengine/pkg/iocap"
)

// copyCacheHitViaResolver implements the two hit-copy strategies from
// spec §4.C purely in terms of an iocap.Resolver, so any backend whose
// outputs live on paths the resolver understands can share it instead
// of reimplementing UseOriginal/CopyOutputs per backend.
func copyCacheHitViaResolver(ctx context.Context, resolver *iocap.Resolver, call BoundCall, prior cache.PriorResult, strategy HitStrategy) (map[string]string, error) {
	if err := os.MkdirAll(call.CallRoot, 0o755); err != nil {
		return nil, fmt.Errorf("backend: mkdir call root: %w", err)
	}

	switch strategy {
	case UseOriginal:
		for name, path := range prior.Outputs {
			exists, err := resolver.Exists(ctx, path)
			if err != nil {
				return nil, fmt.Errorf("backend: check hit output %q: %w", name, err)
			}
			if !exists {
				return nil, fmt.Errorf("backend: stale cache hit, output %q missing at %q", name, path)
			}
		}
		placeholder := filepath.Join(call.CallRoot, "call_caching_placeholder.txt")
		msg := fmt.Sprintf(
			"This call did not run. Outputs are from cache hit call %s, call root: %s\n",
			prior.CallKey, prior.Detritus.CallRoot,
		)
		if err := os.WriteFile(placeholder, []byte(msg), 0o644); err != nil {
			return nil, fmt.Errorf("backend: write cache-hit placeholder: %w", err)
		}
		return prior.Outputs, nil

	case CopyOutputs:
		outputs := make(map[string]string, len(prior.Outputs))
		for name, src := range prior.Outputs {
			dst := filepath.Join(call.CallRoot, filepath.Base(src))
			if err := resolver.Copy(ctx, src, dst); err != nil {
				return nil, fmt.Errorf("backend: copy hit output %q: %w", name, err)
			}
			outputs[name] = dst
		}
		for srcName, dstName := range map[string]string{
			prior.Detritus.Script: "script", prior.Detritus.Stdout: "stdout",
			prior.Detritus.Stderr: "stderr", prior.Detritus.ReturnCode: "rc",
		} {
			if srcName == "" {
				continue
			}
			dst := filepath.Join(call.CallRoot, dstName)
			if err := resolver.Copy(ctx, srcName, dst); err != nil {
				return nil, fmt.Errorf("backend: copy detritus %q: %w", dstName, err)
			}
		}
		return outputs, nil

	default:
		return nil, fmt.Errorf("backend: unknown hit strategy %d", strategy)
	}
}
