// Budsync - Airbuds Listening History Sync and Cache Engine
// Copyright 2026 the Budsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/budsync/budsync

package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/budsync/budsync/internal/models"
	"github.com/budsync/budsync/internal/sync"
)

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(playlistsCmd)
	rootCmd.AddCommand(friendsCmd)
	rootCmd.AddCommand(setTokenCmd)
	rootCmd.AddCommand(clearTokenCmd)
	rootCmd.AddCommand(serveCmd)

	syncCmd.Flags().StringVar(&userFlag, "user", "", "Friend account id to sync instead of your own")
	historyCmd.Flags().StringVar(&userFlag, "user", "", "Friend account id to show instead of your own")
	historyCmd.Flags().Bool("cached", false, "Show the local cache without contacting the service")
	playlistsCmd.Flags().StringVar(&userFlag, "user", "", "Friend account id to show instead of your own")
	playlistsCmd.Flags().Bool("cached", false, "Derive playlists from the local cache only")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass and print the merged history",
	RunE:  handleSync,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show listening history (syncs first unless --cached)",
	RunE:  handleHistory,
}

var playlistsCmd = &cobra.Command{
	Use:   "playlists",
	Short: "Show day playlists derived from the history timeline",
	RunE:  handlePlaylists,
}

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "List accepted friends whose history can be browsed",
	RunE:  handleFriends,
}

var setTokenCmd = &cobra.Command{
	Use:   "set-token [refresh-token]",
	Short: "Store the Airbuds refresh token",
	Args:  cobra.ExactArgs(1),
	RunE:  handleSetToken,
}

var clearTokenCmd = &cobra.Command{
	Use:   "clear-token",
	Short: "Remove the stored refresh token",
	RunE:  handleClearToken,
}

func handleSync(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	result, err := a.engine.SyncUser(cmd.Context(), userFlag)
	if err != nil {
		return err
	}
	printWarning(result.Warning)
	return printTracks(result.Tracks)
}

func handleHistory(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	cached, _ := cmd.Flags().GetBool("cached")
	if cached {
		return printTracks(a.engine.CachedUser(userFlag))
	}

	result, err := a.engine.SyncUser(cmd.Context(), userFlag)
	if err != nil {
		return err
	}
	printWarning(result.Warning)
	return printTracks(result.Tracks)
}

func handlePlaylists(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	cached, _ := cmd.Flags().GetBool("cached")
	var playlists []models.Playlist
	if cached {
		playlists = a.engine.CachedPlaylists(userFlag)
	} else {
		var result sync.Result
		playlists, result, err = a.engine.Playlists(cmd.Context(), userFlag)
		if err != nil {
			return err
		}
		printWarning(result.Warning)
	}

	if jsonOutput {
		return printJSON(playlists)
	}
	for _, p := range playlists {
		fmt.Printf("%-12s  %3d tracks  %s\n", p.ID, p.TotalItemCount, p.Name)
	}
	return nil
}

func handleFriends(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	friends, err := a.engine.Friends(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(friends)
	}
	for _, f := range friends {
		fmt.Printf("%-28s  %s\n", f.ID, f.DisplayLabel())
	}
	return nil
}

func handleSetToken(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	token := strings.TrimSpace(args[0])
	if token == "" {
		return fmt.Errorf("refresh token must not be empty")
	}
	if err := a.tokens.SetRefreshToken(token); err != nil {
		return fmt.Errorf("store refresh token: %w", err)
	}
	fmt.Println("Refresh token stored.")
	return nil
}

func handleClearToken(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	if err := a.tokens.ClearRefreshToken(); err != nil {
		return fmt.Errorf("clear refresh token: %w", err)
	}
	fmt.Println("Refresh token cleared.")
	return nil
}

func printWarning(warning string) {
	if warning != "" {
		fmt.Fprintln(os.Stderr, "Warning:", warning)
	}
}

func printTracks(tracks []models.PlaylistTrack) error {
	if jsonOutput {
		return printJSON(tracks)
	}
	for _, t := range tracks {
		fmt.Printf("%s  %s\n", formatPlayedAt(t.PlayedAtMs), formatTrackLine(t))
	}
	return nil
}

func formatTrackLine(t models.PlaylistTrack) string {
	names := make([]string, 0, len(t.Artists))
	for _, a := range t.Artists {
		names = append(names, a.Name)
	}
	if len(names) == 0 {
		return t.Name
	}
	return fmt.Sprintf("%s by %s", t.Name, strings.Join(names, ", "))
}

func formatPlayedAt(ms int64) string {
	if ms == 0 {
		return "unknown time      "
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
