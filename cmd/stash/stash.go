// Copyright 2025 Michael J. Fromberger. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Program stash performs offline maintenance on an analysis cache
// directory: garbage collection, statistics, and integrity checks.
//
// Exit codes: 0 success, 2 configuration or usage error, 3 corrupt
// state that could not be self-healed, 4 I/O or quota failure.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/ctrl"
	"github.com/creachadair/stash/blobstore"
)

type settings struct {
	Context context.Context

	// Flag targets
	Root     string // global
	MaxBytes int64  // gc
	MaxAge   time.Duration
}

const (
	exitUsage   = 2
	exitCorrupt = 3
	exitIO      = 4
)

func main() {
	ctrl.Run(func() error {
		err := command.Run(tool.NewEnv(&settings{
			Context: context.Background(),
		}), os.Args[1:])
		switch {
		case err == nil:
			return nil
		case errors.Is(err, command.ErrUsage):
			ctrl.Exitf(exitUsage, "Usage error: %v", err)
		case errors.Is(err, errUnhealed):
			ctrl.Exitf(exitCorrupt, "Error: %v", err)
		default:
			ctrl.Exitf(exitIO, "Error: %v", err)
		}
		return nil
	})
}

var tool = &command.C{
	Name: filepath.Base(os.Args[0]),
	Usage: `[options] command [args...]
help [command]`,
	Help: `Maintain an analysis cache directory.

The -root flag (or the STASH_ROOT environment variable) names the
cache root; the blob store lives in its "blobs" subdirectory.
`,

	SetFlags: func(env *command.Env, fs *flag.FlagSet) {
		cfg := env.Config.(*settings)
		fs.StringVar(&cfg.Root, "root", os.Getenv("STASH_ROOT"), "Cache root directory (required)")
	},

	Init: func(env *command.Env) error {
		cfg := env.Config.(*settings)
		if cfg.Root == "" {
			return command.ErrUsage
		}
		return nil
	},

	Commands: []*command.C{
		{
			Name: "gc",
			Help: "Reap orphans and expired entries and enforce the size budget",

			SetFlags: func(env *command.Env, fs *flag.FlagSet) {
				cfg := env.Config.(*settings)
				fs.Int64Var(&cfg.MaxBytes, "max-bytes", 0, "Compressed size budget (0 = default)")
				fs.DurationVar(&cfg.MaxAge, "max-age", 0, "Entry age budget (0 = default)")
			},
			Run: gcCmd,
		},
		{
			Name: "stats",
			Help: "Print entry counts and size totals",
			Run:  statsCmd,
		},
		{
			Name: "verify",
			Help: "Check every entry and remove any that fail integrity",
			Run:  verifyCmd,
		},
		command.HelpCommand(nil),
	},
}

// errUnhealed is reported by verify when corrupt files remain on disk
// after a removal attempt.
var errUnhealed = errors.New("corrupt state could not be removed")

func openStore(env *command.Env) (*blobstore.Store, error) {
	cfg := env.Config.(*settings)
	return blobstore.Open(filepath.Join(cfg.Root, "blobs"), &blobstore.Options{
		MaxBytes:    cfg.MaxBytes,
		MaxEntryAge: cfg.MaxAge,
	})
}

func gcCmd(env *command.Env, args []string) error {
	cfg := env.Config.(*settings)
	s, err := openStore(env)
	if err != nil {
		return err
	}
	report, err := s.Maintain(cfg.Context)
	if err != nil {
		return err
	}
	fmt.Printf("orphans %d\ncorrupt %d\nexpired %d\nevicted %d\nreclaimed %d bytes\n",
		report.Orphans, report.Corrupt, report.Expired, report.Evicted, report.ReclaimedBytes)
	return nil
}

func statsCmd(env *command.Env, args []string) error {
	cfg := env.Config.(*settings)
	s, err := openStore(env)
	if err != nil {
		return err
	}
	n, err := s.Len(cfg.Context)
	if err != nil {
		return err
	}
	compressed, uncompressed := s.TotalSize()
	ratio := 100.0
	if uncompressed > 0 {
		ratio = 100 * float64(compressed) / float64(uncompressed)
	}
	fmt.Printf("entries %d\ncompressed %d bytes\nuncompressed %d bytes\nratio %.1f%%\n",
		n, compressed, uncompressed, ratio)
	return nil
}

func verifyCmd(env *command.Env, args []string) error {
	cfg := env.Config.(*settings)
	s, err := openStore(env)
	if err != nil {
		return err
	}

	var checked, healed int
	for entry, err := range s.List(cfg.Context) {
		if err != nil {
			return err
		}
		checked++
		_, _, gerr := s.Get(cfg.Context, entry.Fingerprint)
		switch {
		case gerr == nil:
			continue
		case blobstore.IsCorrupt(gerr) || blobstore.IsNotFound(gerr):
			// The bad pair was removed by the read; make sure it is gone.
			if _, serr := s.Stat(cfg.Context, entry.Fingerprint); blobstore.IsNotFound(serr) {
				healed++
				continue
			}
			return fmt.Errorf("%w: %s", errUnhealed, entry.Fingerprint)
		default:
			return gerr
		}
	}
	// A maintenance pass reaps files List cannot see, such as orphan
	// payloads with no sidecar.
	report, err := s.Maintain(cfg.Context)
	if err != nil {
		return err
	}
	fmt.Printf("checked %d\nhealed %d\norphans %d\n", checked, healed+report.Corrupt, report.Orphans)
	return nil
}
