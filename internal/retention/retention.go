// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

// Package retention ages readings out of the live table on a daily
// schedule. Old rows move to the archive table instead of being
// deleted, so exports can still reach them.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hootrhino/pyrowatch/internal/model"
)

const runTimeout = 5 * time.Minute

// Archiver moves readings older than a horizon out of the live table.
type Archiver interface {
	ArchiveBefore(ctx context.Context, horizon model.Timestamp) (int64, error)
}

// Service schedules the daily archive run.
type Service struct {
	archiver Archiver
	days     int
	cron     *cron.Cron
	log      *zap.Logger
}

// New builds a service that archives readings older than days, firing
// once a day at hour (UTC). A non-positive days disables the job.
func New(archiver Archiver, days, hour int, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		archiver: archiver,
		days:     days,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		log:      log.Named("retention"),
	}
	if days > 0 {
		spec := fmt.Sprintf("0 %d * * *", hour)
		_, err := s.cron.AddFunc(spec, s.run)
		if err != nil {
			// Only reachable with an hour outside 0..23, which config
			// validation rejects first.
			s.log.Error("invalid cleanup schedule", zap.String("spec", spec), zap.Error(err))
		}
	}
	return s
}

// Start begins the schedule. No-op when retention is disabled.
func (s *Service) Start() {
	if s.days <= 0 {
		s.log.Info("retention disabled")
		return
	}
	s.cron.Start()
	s.log.Info("retention job scheduled", zap.Int("days", s.days))
}

// Stop halts the schedule and waits for an in-flight run to finish.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Service) run() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		s.log.Error("archive run failed", zap.Error(err))
	}
}

// RunOnce archives everything older than the retention window and
// returns the number of rows moved.
func (s *Service) RunOnce(ctx context.Context) (int64, error) {
	horizon := model.At(time.Now().AddDate(0, 0, -s.days))
	moved, err := s.archiver.ArchiveBefore(ctx, horizon)
	if err != nil {
		return 0, err
	}
	s.log.Info("readings archived",
		zap.Int64("moved", moved), zap.String("horizon", horizon.String()))
	return moved, nil
}
