/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package muscle

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

//------------------------------------------------------------------------------
// cron

func newCron(logger zerolog.Logger) *cron.Cron {
	l := loggerForCron{logger}
	return cron.New(cron.WithLogger(&l))
}

type loggerForCron struct {
	logger zerolog.Logger
}

func (l *loggerForCron) Info(msg string, keysAndValues ...interface{}) {
	// too verbose
}

func (l *loggerForCron) Error(err error, msg string, keysAndValues ...interface{}) {
	e := l.logger.Error().Err(err).Bool("crond", true)
	for i := 0; i < len(keysAndValues)/2; i += 2 {
		e = e.Str(fmt.Sprintf("%v", keysAndValues[i]), fmt.Sprintf("%v", keysAndValues[i+1]))
	}
	e.Msg(msg)
}

//------------------------------------------------------------------------------
// cache sweep

// cacheSweepSchedule is how often every tenant cache drops its expired
// entries. Get never evicts and Put purges only on overflow, so without the
// sweep an idle cache would hold dead bodies until the next insert.
const cacheSweepSchedule = "@every 1m"

type sweeper struct {
	c      *cron.Cron
	logger zerolog.Logger
}

func newSweeper(logger zerolog.Logger) *sweeper {
	return &sweeper{c: newCron(logger), logger: logger}
}

func (s *sweeper) schedule(tenants map[string]*Tenant) error {
	for prefix, t := range tenants {
		cache := t.cache
		if _, err := s.c.AddFunc(cacheSweepSchedule, func() { cache.PurgeExpired() }); err != nil {
			s.logger.Error().Err(err).Str("context", prefix).Msg("failed to schedule cache sweep")
			return fmt.Errorf("failed to schedule cache sweep for %q: %v", prefix, err)
		}
	}
	return nil
}

func (s *sweeper) start() { s.c.Start() }
func (s *sweeper) stop()  { s.c.Stop() }
