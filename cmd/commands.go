package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"gatetun/internal/redirect"
)

// registerPlatformCommands mirrors the teacher's build-tag-gated command
// registration hook, but for this repo's one platform-dependent surface:
// whether the transparent-redirect hook (internal/redirect) is actually
// backed by a syscall on the host platform.
func registerPlatformCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "check-redirect",
		Short: "report whether transparent redirect is supported on this platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !redirect.Supported() {
				fmt.Println("transparent redirect: unsupported on this platform")
				return nil
			}
			fmt.Println("transparent redirect: supported")
			return nil
		},
	})
}
