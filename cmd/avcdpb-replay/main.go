package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"

	"github.com/asticode/go-astiav"
	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/avcdpb/dpb"
	"github.com/xaionaro-go/avcdpb/surface"
	"github.com/xaionaro-go/avcdpb/surface/astiavsurface"
	"github.com/xaionaro-go/avcdpb/surface/memsurface"
	"github.com/xaionaro-go/observability"
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "syntax: %s <trace.yaml>\n", os.Args[0])
		pflag.PrintDefaults()
	}

	loggerLevel := logger.LevelWarning
	pflag.Var(&loggerLevel, "log-level", "Log level")
	netPprofAddr := pflag.String("net-pprof-listen-addr", "", "an address to listen for incoming net/pprof connections")
	allocatorName := pflag.String("allocator", "mem", "surface allocator: mem, astiav")
	printStats := pflag.Bool("stats", true, "print the session statistics at the end")
	pflag.Parse()
	if len(pflag.Args()) != 1 {
		pflag.Usage()
		os.Exit(1)
	}

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	if *netPprofAddr != "" {
		observability.Go(ctx, func() { l.Error(http.ListenAndServe(*netPprofAddr, nil)) })
	}

	trace, err := ReadTrace(pflag.Arg(0))
	if err != nil {
		l.Fatal(err)
	}

	var allocator surface.Allocator
	switch *allocatorName {
	case "mem":
		allocator = memsurface.NewAllocator()
	case "astiav":
		astiav.SetLogLevel(astiavsurface.LogLevelToAstiav(l.Level()))
		astiav.SetLogCallback(func(c astiav.Classer, level astiav.LogLevel, fmt, msg string) {
			var cs string
			if c != nil {
				if cl := c.Class(); cl != nil {
					cs = " - class: " + cl.String()
				}
			}
			l.Logf(
				astiavsurface.LogLevelFromAstiav(level),
				"%s%s",
				strings.TrimSpace(msg), cs,
			)
		})
		allocator = astiavsurface.NewAllocator()
	default:
		l.Fatalf("unknown allocator '%s'", *allocatorName)
	}

	r, err := newReplayer(ctx, trace, allocator)
	if err != nil {
		l.Fatal(err)
	}
	defer func() {
		if err := r.Close(ctx); err != nil {
			l.Error(err)
		}
	}()

	enc := json.NewEncoder(os.Stdout)
	for idx, pic := range trace.Pictures {
		report, err := r.Replay(ctx, pic)
		if err != nil {
			l.Errorf("picture #%d: %v", idx, err)
			if !errors.As(err, &dpb.ErrPictureUndecodable{}) {
				return
			}
		}
		if err := enc.Encode(report); err != nil {
			l.Fatal(err)
		}
	}

	if *printStats {
		if err := enc.Encode(r.session.Statistics()); err != nil {
			l.Fatal(err)
		}
	}
}
