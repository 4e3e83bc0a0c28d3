// Command mina-node runs a participating node: the deterministic Store and
// its event loop, the P2P reactor, the LedgerManager worker, the verifier
// pool, and the HTTP frontend.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mina-core/internal/replay"
	"mina-core/pkg/config"
)

func main() {
	root := &cobra.Command{
		Use:   "mina-node",
		Short: "Mina participating node core",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runNode()
		},
	}
	config.BindFlags(root.PersistentFlags())

	root.AddCommand(&cobra.Command{
		Use:   "replay",
		Short: "Inspect a recorded input-action stream from the work directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReplayInspect(viper.GetString("work_dir"))
		},
	})

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("node exited with error")
	}
}

func runNode() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if lvl, err := logrus.ParseLevel(cfg.Verbosity); err == nil {
		logrus.SetLevel(lvl)
	}
	node, err := newNode(cfg)
	if err != nil {
		return fmt.Errorf("construct node: %w", err)
	}
	return node.Run()
}

func runReplayInspect(workDir string) error {
	p, err := replay.Open(workDir)
	if err != nil {
		return err
	}
	defer p.Close()
	hdr := p.Header()
	fmt.Printf("recording: seed=%d created=%s initial_state=%d bytes\n",
		hdr.RngSeed, hdr.CreatedAt, len(hdr.InitialState))
	count := 0
	err = p.Replay(func(e replay.Entry) error {
		count++
		fmt.Printf("%6d  %-24s %s\n", count, e.Kind, e.Time.Format("15:04:05.000"))
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d input actions\n", count)
	return nil
}
