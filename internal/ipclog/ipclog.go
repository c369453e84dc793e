// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ipclog is the daemon's structured logging façade: a
// sirupsen/logrus logger with gopkg.in/natefinch/lumberjack.v2 file
// rotation, grounded on hpe-storage-common-host-libs/logger.go (same
// logrus+lumberjack stack, trimmed of the opentracing integration
// nothing in this repo's dependency set exercises).
package ipclog

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/go-iscsi/initiator/pkg/config"
)

// Fields is an alias for logrus.Fields, mirroring the teacher's
// package-level Fields alias.
type Fields = log.Fields

const (
	// DefaultMaxLogSizeMiB and DefaultMaxLogFiles are applied when a
	// LogConfig leaves the corresponding field at its zero value.
	DefaultMaxLogSizeMiB = 100
	DefaultMaxLogFiles   = 10
)

// New builds a *logrus.Logger configured from cfg: level, text/json
// formatter, and (if cfg.File is set) rotation to a file alongside
// stderr.
func New(cfg config.LogConfig) (*log.Logger, error) {
	logger := log.New()

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("ipclog: %w", err)
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	writers := []io.Writer{os.Stderr}
	if cfg.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMiB, DefaultMaxLogSizeMiB),
			MaxBackups: orDefault(cfg.MaxFiles, DefaultMaxLogFiles),
			MaxAge:     30,
			Compress:   true,
		})
	}
	logger.SetOutput(io.MultiWriter(writers...))
	return logger, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// sensitiveWords flags field names that must never reach a log line
// verbatim: CHAP secrets, the CHAP response/challenge hex blobs, and
// the daemon IPC's authorization blob.
var sensitiveWords = []string{"secret", "password", "passwd", "chap_r", "chap_c", "authblob", "token"}

// IsSensitive reports whether key names a value that Scrub/ScrubFields
// must mask, per hpe-storage-common-host-libs/logger.go's IsSensitive.
func IsSensitive(key string) bool {
	key = strings.ToLower(key)
	for _, w := range sensitiveWords {
		if strings.Contains(key, w) {
			return true
		}
	}
	return false
}

// ScrubFields converts a negotiated or discovered key/value map into
// logrus.Fields, masking any value whose key IsSensitive reports true
// for. Used when logging the text-segment dictionaries exchanged
// during login negotiation (spec.md §4.5) and CHAP (spec.md §4.3).
func ScrubFields(m map[string]string) log.Fields {
	f := make(log.Fields, len(m))
	for k, v := range m {
		if IsSensitive(k) {
			f[k] = "**********"
		} else {
			f[k] = v
		}
	}
	return f
}
