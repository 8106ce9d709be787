// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"github.com/sirupsen/logrus"

	"github.com/element-hq/scrawl/setup/config"
)

// SetupStdLogging configures the global logrus logger from the logging
// section of the config. It must be called once, before any component
// starts emitting logs.
func SetupStdLogging(cfg *config.Logging) {
	if cfg.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000000000Z07:00",
		})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
			FullTimestamp:    true,
			DisableColors:    false,
			DisableTimestamp: false,
		})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logrus.WithError(err).Warnf("Unrecognised logging level %q, using info", cfg.Level)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
