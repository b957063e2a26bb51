package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/napolitain/syspmu/session"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	if err != nil {
		fatal(os.Stderr, err)
	}
}

func fatal(w io.Writer, err error) {
	fmt.Fprintln(w, describe(err))
	os.Exit(1)
}

func describe(err error) string {
	msg := fmt.Sprintf("syspmu: %v", err)
	if errors.Is(err, session.ErrPlatformUnsupported) {
		msg += "\nsyspmu: this host has no hardware performance monitoring support"
	}
	return msg
}
