/*
Copyright 2023 The FlakeHub Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command flakehub-push-core is a one-shot release publisher: it resolves
// a version, snapshots a flake's source tree, evaluates its outputs, and
// pushes the result to a Hub.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/flakehub/flakehub-push-core/pkg/config"
	"github.com/flakehub/flakehub-push-core/pkg/orchestrator"
	"github.com/flakehub/flakehub-push-core/pkg/rerror"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// newRootCommand builds the no-flag root command: every option in this
// tool's contract is read from the environment, not flags. Flag parsing
// belongs to the front-end launcher that forks this binary.
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "flakehub-push-core",
		Short:         "Publish a flake source snapshot to a Hub",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRoot,
	}
	return cmd
}

func runRoot(cmd *cobra.Command, args []string) error {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	logrus.SetLevel(logrus.InfoLevel)

	cfg, err := config.FromEnvironment()
	if err != nil {
		return err
	}

	out, err := orchestrator.Run(context.Background(), cfg)
	if err != nil {
		return err
	}

	logrus.Infof("published %s/%s at %s", out.FlakeName, out.FlakeVersion, out.FlakerefExact)
	return nil
}

// exitCodeFor maps a returned error to a process exit status; an error
// outside the taxonomy maps to the generic code 1.
func exitCodeFor(err error) int {
	var rerr *rerror.Error
	if e, ok := err.(*rerror.Error); ok {
		rerr = e
	} else {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Fprintln(os.Stderr, rerr.Error())
	return rerr.ExitCode()
}
