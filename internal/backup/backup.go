// Package backup writes the daily master-data workbooks.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/export"
	"stockledger/backend/internal/lock"
	"stockledger/backend/internal/logging"
)

const lockTTL = 10 * time.Minute

// Source is the read side of the ledger the job exports.
type Source interface {
	ListItems(ctx context.Context, scope domain.Scope) ([]domain.Item, error)
	ListVendors(ctx context.Context, scope domain.Scope, skip int, limit int) ([]domain.Vendor, error)
	ListPurchases(ctx context.Context, scope domain.Scope, filter domain.PurchaseFilter) ([]domain.Purchase, error)
}

type Job struct {
	source Source
	locker lock.Locker
	dir    string
	hour   int
	logger *logrus.Logger
	log    *logrus.Entry
	now    func() time.Time
}

func NewJob(source Source, locker lock.Locker, dir string, hour int, logger *logrus.Logger) *Job {
	return &Job{
		source: source,
		locker: locker,
		dir:    dir,
		hour:   hour,
		logger: logger,
		log:    logging.Component(logger, "backup"),
		now:    time.Now,
	}
}

// RunOnce overwrites inventory.xlsx, vendors.xlsx and purchases.xlsx in the
// backup directory. Only one replica runs it at a time.
func (j *Job) RunOnce(ctx context.Context) (domain.BackupReport, error) {
	var report domain.BackupReport
	err := lock.With(ctx, j.locker, lock.BackupKey, lockTTL, func(ctx context.Context) error {
		var err error
		report, err = j.run(ctx)
		return err
	})
	if err != nil {
		return domain.BackupReport{}, err
	}
	return report, nil
}

func (j *Job) run(ctx context.Context) (domain.BackupReport, error) {
	all := domain.Scope{Root: true}
	items, err := j.source.ListItems(ctx, all)
	if err != nil {
		return domain.BackupReport{}, fmt.Errorf("list items: %w", err)
	}
	vendors, err := j.source.ListVendors(ctx, all, 0, 0)
	if err != nil {
		return domain.BackupReport{}, fmt.Errorf("list vendors: %w", err)
	}
	purchases, err := j.source.ListPurchases(ctx, all, domain.PurchaseFilter{})
	if err != nil {
		return domain.BackupReport{}, fmt.Errorf("list purchases: %w", err)
	}

	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return domain.BackupReport{}, err
	}
	files := []struct {
		name  string
		write func(io.Writer) error
	}{
		{"inventory.xlsx", func(w io.Writer) error { return export.Inventory(w, items) }},
		{"vendors.xlsx", func(w io.Writer) error { return export.Vendors(w, vendors) }},
		{"purchases.xlsx", func(w io.Writer) error { return export.Purchases(w, purchases) }},
	}

	report := domain.BackupReport{
		Directory: j.dir,
		Items:     len(items),
		Vendors:   len(vendors),
		Purchases: len(purchases),
	}
	for _, f := range files {
		path := filepath.Join(j.dir, f.name)
		if err := writeFile(path, f.write); err != nil {
			return domain.BackupReport{}, fmt.Errorf("write %s: %w", f.name, err)
		}
		report.Files = append(report.Files, path)
	}
	report.CompletedAt = j.now().UTC()

	j.log.WithFields(logrus.Fields{
		"dir":       j.dir,
		"items":     report.Items,
		"vendors":   report.Vendors,
		"purchases": report.Purchases,
	}).Info("backup written")
	return report, nil
}

// writeFile renders into memory first and renames into place, so readers
// never see a half-written workbook.
func writeFile(path string, render func(io.Writer) error) error {
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".backup-*.xlsx")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Start runs the job every day at the configured hour until ctx is done.
func (j *Job) Start(ctx context.Context) {
	for {
		next := nextRun(j.now(), j.hour)
		j.log.WithField("next_run", next.Format(time.RFC3339)).Debug("backup scheduled")
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := j.RunOnce(ctx); err != nil {
			if errors.Is(err, lock.ErrNotObtained) {
				j.log.Info("backup skipped, another replica holds the lock")
				continue
			}
			logging.LogError(j.logger, "backup", "Start", "daily backup", j.dir, err)
		}
	}
}

func nextRun(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
