// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"github.com/agentmishra/fstransform/lib/ferr"
	"github.com/agentmishra/fstransform/lib/profile"
	"github.com/agentmishra/fstransform/lib/textui"
)

// logLevelFlag is shared by every subcommand via a persistent flag,
// per the teacher's main.go.
var logLevelFlag = textui.LogLevelFlag{
	Level: dlog.LogLevelInfo,
}

// wrapRunE sets up the same ctx/logger/dgroup scaffolding the teacher
// wires around every subcommand's RunE, then runs fn inside a single
// "main" goroutine so SIGINT is handled uniformly (§5).
func wrapRunE(fn func(ctx context.Context, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := textui.NewLogger(os.Stderr, logLevelFlag.Level)
		ctx = dlog.WithLogger(ctx, logger)
		ctx = dlog.WithField(ctx, "mem", new(textui.LiveMemUse))
		dlog.SetFallbackLogger(logger.WithField("fsremap.THIS_IS_A_BUG", true))

		grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
			EnableSignalHandling: true,
		})
		grp.Go("main", func(ctx context.Context) error {
			return fn(ctx, cmd, args)
		})
		return grp.Wait()
	}
}

func main() {
	argparser := &cobra.Command{
		Use:   "fsremap {[flags]|SUBCOMMAND}",
		Short: "Shrink a filesystem in place by renumbering its blocks",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true, // main() handles the error after .ExecuteContext() returns
		SilenceUsage:  true, // our FlagErrorFunc handles it

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&logLevelFlag, "verbosity", "set the verbosity")
	stopProfiling := profile.AddProfileFlags(argparser.PersistentFlags(), "profile-")

	argparser.AddCommand(newRunCommand())
	argparser.AddCommand(newResumeCommand())

	err := argparser.ExecuteContext(context.Background())
	if stopErr := stopProfiling(); stopErr != nil && err == nil {
		err = stopErr
	}
	if err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(ferr.KindOf(err).ExitCode())
	}
}
