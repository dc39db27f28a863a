package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"titlescrow/internal/sale"
)

// deadLetter records a settled round whose title transfer failed. Operators
// (or the custody resume endpoint) clear it once custody lands.
type deadLetter struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	AssetID   uint64    `json:"assetId"`
	Round     uint64    `json:"round"`
	Recipient string    `json:"recipient"`
	Outcome   string    `json:"outcome"`
	PayoutTx  string    `json:"payoutTx,omitempty"`
	Error     string    `json:"error"`
}

type deadLetters struct {
	dir    string
	logger *slog.Logger
}

func newDeadLetters(dir string, logger *slog.Logger) *deadLetters {
	return &deadLetters{dir: dir, logger: logger}
}

func (d *deadLetters) write(op string, rec *sale.SaleRecord, cause error) {
	if d.dir == "" || rec == nil {
		return
	}
	entry := deadLetter{
		Timestamp: time.Now().UTC(),
		Operation: op,
		AssetID:   rec.AssetID,
		Round:     rec.Round,
		Recipient: rec.CustodyRecipient().Hex(),
		Outcome:   rec.Outcome.String(),
		PayoutTx:  rec.PayoutTx,
		Error:     cause.Error(),
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		d.logger.Error("dlq marshal failed", "error", err)
		return
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		d.logger.Error("dlq mkdir failed", "error", err)
		return
	}
	name := fmt.Sprintf("custody-%d-r%d-%d.json", rec.AssetID, rec.Round, time.Now().UnixNano())
	if err := os.WriteFile(filepath.Join(d.dir, name), data, 0o600); err != nil {
		d.logger.Error("dlq write failed", "error", err)
	}
}

// clear removes every entry for the round.
func (d *deadLetters) clear(assetID, round uint64) {
	if d.dir == "" {
		return
	}
	matches, err := filepath.Glob(filepath.Join(d.dir, fmt.Sprintf("custody-%d-r%d-*.json", assetID, round)))
	if err != nil {
		d.logger.Error("dlq glob failed", "error", err)
		return
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			d.logger.Error("dlq remove failed", "path", path, "error", err)
		}
	}
}

func (d *deadLetters) depth() int {
	if d.dir == "" {
		return 0
	}
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Error("dlq read failed", "error", err)
		}
		return 0
	}
	return len(entries)
}

func (s *Server) updateDLQDepth() int {
	depth := s.dlq.depth()
	if s.metrics != nil {
		s.metrics.setDLQDepth(depth)
	}
	return depth
}
