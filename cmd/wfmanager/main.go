package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/umccr/wfmanager/internal/cli"
)

var rootCmd = &cobra.Command{
	Use:   "wfmanager",
	Short: "Workflow run state machine and analysis assignment",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
