package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/basket/toolbridge/internal/bus"
	"github.com/basket/toolbridge/internal/config"
)

func TestParseArgs(t *testing.T) {
	cases := []struct {
		name    string
		argv    []string
		command string
		args    []string
		quiet   bool
		bind    string
		help    bool
	}{
		{name: "default serve", argv: nil, command: "serve"},
		{name: "explicit serve", argv: []string{"serve"}, command: "serve"},
		{name: "quiet short", argv: []string{"-q"}, command: "serve", quiet: true},
		{name: "bind override", argv: []string{"--bind", "0.0.0.0:9000", "serve"}, command: "serve", bind: "0.0.0.0:9000"},
		{name: "status", argv: []string{"status"}, command: "status", args: []string{}},
		{name: "status extra", argv: []string{"status", "now"}, command: "status", args: []string{"now"}},
		{name: "version upper", argv: []string{"VERSION"}, command: "version"},
		{name: "help flag", argv: []string{"-h"}, command: "serve", help: true},
		{name: "help command", argv: []string{"help"}, command: "help", help: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inv, _, err := parseArgs(tc.argv)
			if err != nil {
				t.Fatalf("parseArgs: %v", err)
			}
			if inv.command != tc.command || inv.quiet != tc.quiet || inv.bind != tc.bind || inv.help != tc.help {
				t.Fatalf("got %+v", inv)
			}
			if len(inv.args) != len(tc.args) {
				t.Fatalf("args = %v, want %v", inv.args, tc.args)
			}
		})
	}
}

func TestParseArgs_Errors(t *testing.T) {
	if _, _, err := parseArgs([]string{"deploy"}); err == nil || !strings.Contains(err.Error(), "deploy") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
	if _, _, err := parseArgs([]string{"--nope"}); err == nil {
		t.Fatal("expected unknown flag error")
	}
}

func TestPrintUsageListsFlags(t *testing.T) {
	_, flagSet, err := parseArgs(nil)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	var buf bytes.Buffer
	printUsage(&buf, flagSet)
	for _, want := range []string{"--quiet", "--bind", "toolbridge status", "TOOLBRIDGE_HOME", "tool_sink_unavailable"} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("usage missing %q:\n%s", want, buf.String())
		}
	}
}

func TestBuildToolSink_InProcessWarnsAboutMissingConsumer(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	cfg := config.Config{ToolSink: config.ToolSinkConfig{Kind: "bus"}}

	sink, status, closeSink, err := buildToolSink(cfg, bus.New(), logger)
	if err != nil {
		t.Fatalf("buildToolSink: %v", err)
	}
	defer closeSink()
	if sink == nil || status() != "in-process" {
		t.Fatalf("unexpected sink %T status %q", sink, status())
	}
	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "tool_sink_unavailable") {
		t.Fatalf("expected startup warning, got %q", out)
	}
}
