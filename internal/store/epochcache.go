package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"pollscan/pkg/types"
)

// CacheKey is the storage key of the record for (contract, version).
func CacheKey(contract common.Address, version int) string {
	return "epochs:" + strings.ToLower(contract.Hex()) + ":v" + strconv.Itoa(version)
}

// EpochCache remembers which epochs of an oracle are known to hold polls.
//
// Confirmed epochs lie strictly before LastCheckedEpoch; their polls are
// replayed by direct lookup instead of being rescanned. Future epochs (at or
// after LastCheckedEpoch) hold polls whose deadlines have not passed and are
// always rescanned. A record only applies to the exact contract address,
// cache version and deployment timestamp it was written for.
type EpochCache struct {
	backend Backend
	logger  *slog.Logger
}

// NewEpochCache creates a cache over backend.
func NewEpochCache(backend Backend, logger *slog.Logger) *EpochCache {
	return &EpochCache{
		backend: backend,
		logger:  logger.With("component", "epoch_cache"),
	}
}

// Load returns the stored record, or nil if there is none usable: missing,
// written for another contract, version or deployment, undecodable, or
// structurally invalid. Only backend I/O failures are errors.
func (c *EpochCache) Load(ctx context.Context, contract common.Address, version int, deploymentTS int64) (*types.EpochCacheRecord, error) {
	key := CacheKey(contract, version)
	data, err := c.backend.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load epoch cache: %w", err)
	}

	var rec types.EpochCacheRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		c.logger.Warn("discarding undecodable epoch cache", "key", key, "error", err)
		return nil, nil
	}
	switch {
	case rec.ContractAddress != contract:
		c.logger.Info("epoch cache is for another contract", "key", key, "stored", rec.ContractAddress.Hex())
		return nil, nil
	case rec.CacheVersion != version:
		c.logger.Info("epoch cache version changed", "key", key, "stored", rec.CacheVersion, "want", version)
		return nil, nil
	case rec.DeploymentTimestamp != deploymentTS:
		c.logger.Info("epoch cache deployment changed", "key", key, "stored", rec.DeploymentTimestamp, "want", deploymentTS)
		return nil, nil
	}
	if err := validate(rec); err != nil {
		c.logger.Warn("discarding invalid epoch cache", "key", key, "error", err)
		return nil, nil
	}
	return &rec, nil
}

// Save overwrites the record for (rec.ContractAddress, rec.CacheVersion).
// Epoch sets are sorted and deduplicated first; a record whose sets overlap
// or straddle LastCheckedEpoch is rejected.
func (c *EpochCache) Save(ctx context.Context, rec types.EpochCacheRecord) error {
	rec.ConfirmedEpochs = normalize(rec.ConfirmedEpochs)
	rec.FutureEpochs = normalize(rec.FutureEpochs)
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if err := validate(rec); err != nil {
		return fmt.Errorf("save epoch cache: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal epoch cache: %w", err)
	}
	if err := c.backend.Put(ctx, CacheKey(rec.ContractAddress, rec.CacheVersion), data); err != nil {
		return fmt.Errorf("save epoch cache: %w", err)
	}
	c.logger.Debug("epoch cache saved",
		"last_checked", rec.LastCheckedEpoch,
		"confirmed", len(rec.ConfirmedEpochs),
		"future", len(rec.FutureEpochs),
	)
	return nil
}

// validate checks that both sets are strictly ascending, non-negative and
// disjoint, with confirmed epochs before LastCheckedEpoch and future epochs
// at or after it.
func validate(rec types.EpochCacheRecord) error {
	if rec.LastCheckedEpoch < 0 {
		return fmt.Errorf("negative last checked epoch %d", rec.LastCheckedEpoch)
	}
	if err := ascending("confirmed", rec.ConfirmedEpochs); err != nil {
		return err
	}
	if err := ascending("future", rec.FutureEpochs); err != nil {
		return err
	}
	for _, e := range rec.ConfirmedEpochs {
		if _, found := slices.BinarySearch(rec.FutureEpochs, e); found {
			return fmt.Errorf("epoch %d is both confirmed and future", e)
		}
	}
	if n := len(rec.ConfirmedEpochs); n > 0 && rec.ConfirmedEpochs[n-1] >= rec.LastCheckedEpoch {
		return fmt.Errorf("confirmed epoch %d not before last checked %d", rec.ConfirmedEpochs[n-1], rec.LastCheckedEpoch)
	}
	if len(rec.FutureEpochs) > 0 && rec.FutureEpochs[0] < rec.LastCheckedEpoch {
		return fmt.Errorf("future epoch %d before last checked %d", rec.FutureEpochs[0], rec.LastCheckedEpoch)
	}
	return nil
}

func ascending(name string, epochs []int64) error {
	for i, e := range epochs {
		if e < 0 {
			return fmt.Errorf("negative %s epoch %d", name, e)
		}
		if i > 0 && e <= epochs[i-1] {
			return fmt.Errorf("%s epochs not strictly ascending at %d", name, e)
		}
	}
	return nil
}

func normalize(epochs []int64) []int64 {
	out := slices.Clone(epochs)
	slices.Sort(out)
	out = slices.Compact(out)
	if out == nil {
		out = []int64{}
	}
	return out
}
