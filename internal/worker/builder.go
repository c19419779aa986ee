// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"zb.256lights.llc/drvq/internal/scheduler"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
)

// A Builder realizes derivations.
type Builder interface {
	// Build builds the derivation and returns its output path.
	// Build must return promptly after ctx is canceled.
	Build(ctx context.Context, drv *scheduler.Derivation) (outputPath string, err error)
}

// BuilderFunc is a function that implements [Builder].
type BuilderFunc func(ctx context.Context, drv *scheduler.Derivation) (string, error)

// Build calls f.
func (f BuilderFunc) Build(ctx context.Context, drv *scheduler.Derivation) (string, error) {
	return f(ctx, drv)
}

// CommandBuilder builds derivations by running a program.
// The derivation path is appended to Args,
// and the last non-empty line the program writes to stdout
// is used as the output path.
// The output path must be a store path.
//
// The program's environment additionally contains
// DRVQ_DERIVATION_ID, DRVQ_DERIVATION_NAME, and DRVQ_DERIVATION_PATH.
type CommandBuilder struct {
	// Args is the program and its leading arguments.
	Args []string
	// Stderr receives the program's standard error.
	// If nil, the program's standard error is logged at debug level.
	Stderr io.Writer
}

// Build runs the command for drv.
func (b *CommandBuilder) Build(ctx context.Context, drv *scheduler.Derivation) (string, error) {
	if len(b.Args) == 0 {
		return "", errors.New("no build command configured")
	}
	args := append(b.Args[1:len(b.Args):len(b.Args)], drv.DerivationPath)
	c := exec.CommandContext(ctx, b.Args[0], args...)
	c.Env = append(os.Environ(),
		"DRVQ_DERIVATION_ID="+strconv.FormatInt(drv.ID, 10),
		"DRVQ_DERIVATION_NAME="+drv.Name,
		"DRVQ_DERIVATION_PATH="+drv.DerivationPath,
	)
	stdout := new(bytes.Buffer)
	c.Stdout = stdout
	stderr := new(bytes.Buffer)
	if b.Stderr != nil {
		c.Stderr = b.Stderr
	} else {
		c.Stderr = stderr
	}
	err := c.Run()
	if stderr.Len() > 0 {
		log.Debugf(ctx, "%s stderr:\n%s", drv.Name, stderr)
	}
	if err != nil {
		if msg := lastLine(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s: %v: %s", b.Args[0], err, msg)
		}
		return "", fmt.Errorf("%s: %v", b.Args[0], err)
	}
	out := lastLine(stdout.String())
	if out == "" {
		return "", fmt.Errorf("%s did not print an output path", b.Args[0])
	}
	if _, err := nix.ParseStorePath(out); err != nil {
		return "", fmt.Errorf("%s printed an invalid output path: %v", b.Args[0], err)
	}
	return out, nil
}

func lastLine(s string) string {
	s = strings.TrimRight(s, " \t\r\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
