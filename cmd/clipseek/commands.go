package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/clipseek/clipseek/internal/config"
)

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:     "upload <file>",
	Aliases: []string{"ingest"},
	Short:   "Upload a video for ingestion",
	Long: `Upload a video for ingestion.

The server samples frames, embeds and captions them in the background; watch
progress with "clipseek videos show <id>".

Examples:
  clipseek upload ./vacation.mp4 --user 6f1c...
  CLIPSEEK_USER=6f1c... clipseek upload ./vacation.mp4`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		userID, err := resolveUser(user)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.upload(cmd.Context(), args[0], userID)
		if err != nil {
			return err
		}

		var v videoJSON
		if err := decodeJSON(resp, &v); err != nil {
			return err
		}

		printSuccess("Queued video %s", v.ID)
		return nil
	},
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find moments matching a natural-language query",
	Long: `Find moments matching a natural-language query.

Examples:
  clipseek search "dog catches the frisbee" --user 6f1c...
  clipseek search "sunset over water" --limit 5 --video 9a2e...`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		videoID, _ := cmd.Flags().GetString("video")
		minScore, _ := cmd.Flags().GetFloat64("min-score")
		user, _ := cmd.Flags().GetString("user")

		userID, err := resolveUser(user)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"user_id": userID.String(),
			"query":   query,
			"top_k":   limit,
		}
		if minScore > 0 {
			req["min_score"] = minScore
		}
		if cmd.Flags().Changed("threshold") {
			threshold, _ := cmd.Flags().GetFloat64("threshold")
			req["semantic_threshold"] = threshold
		}
		if videoID != "" {
			req["video_id"] = videoID
		}

		resp, err := client.post(cmd.Context(), "/v1/search", req)
		if err != nil {
			return err
		}

		var result struct {
			Moments []struct {
				VideoID     string  `json:"video_id"`
				TimestampMS int64   `json:"timestamp_ms"`
				StartMS     int64   `json:"start_ms"`
				EndMS       int64   `json:"end_ms"`
				Score       float64 `json:"score"`
				Caption     string  `json:"caption"`
				PreviewURL  string  `json:"preview_url"`
			} `json:"moments"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Moments) == 0 {
			fmt.Println("No moments found.")
			return nil
		}

		for i, m := range result.Moments {
			header := fmt.Sprintf("Moment %d", i+1)
			fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, header), m.Score)
			fmt.Printf("  Video %s  at %s (span %s – %s)\n",
				m.VideoID[:8], formatMS(m.TimestampMS), formatMS(m.StartMS), formatMS(m.EndMS))
			if m.Caption != "" {
				caption := m.Caption
				if len(caption) > 200 {
					caption = caption[:200] + "..."
				}
				fmt.Printf("  %s\n", caption)
			}
			if m.PreviewURL != "" {
				fmt.Printf("  %s\n", colorize(colorCyan, m.PreviewURL))
			}
		}
		return nil
	},
}

func formatMS(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// --- videos ---

type videoJSON struct {
	ID           string `json:"id"`
	ThumbnailURL string `json:"thumbnail_url"`
	DurationMS   int64  `json:"duration_ms"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Status       string `json:"status"`
	Error        string `json:"error"`
	CreatedAt    string `json:"created_at"`
	Segments     int    `json:"segments"`
	Progress     *struct {
		Done  int `json:"done"`
		Total int `json:"total"`
	} `json:"progress"`
}

var videosCmd = &cobra.Command{
	Use:   "videos",
	Short: "Manage the video library",
}

var videosListCmd = &cobra.Command{
	Use:   "list",
	Short: "List videos in the library",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		user, _ := cmd.Flags().GetString("user")

		userID, err := resolveUser(user)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/videos?user_id=%s&limit=%d", url.QueryEscape(userID.String()), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var result struct {
			Videos []videoJSON `json:"videos"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Videos) == 0 {
			fmt.Println("No videos found.")
			return nil
		}

		for _, v := range result.Videos {
			status := v.Status
			switch status {
			case "ready":
				status = colorize(colorGreen, status)
			case "error":
				status = colorize(colorRed, status)
			}
			fmt.Printf("%s  %-10s  %s  %s\n",
				colorize(colorCyan, v.ID[:8]),
				status,
				formatMS(v.DurationMS),
				v.CreatedAt,
			)
		}
		return nil
	},
}

var videosShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one video with ingestion state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		userID, err := resolveUser(user)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/videos/%s?user_id=%s", url.PathEscape(args[0]), url.QueryEscape(userID.String()))
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var v videoJSON
		if err := decodeJSON(resp, &v); err != nil {
			return err
		}

		printStatus("Video", "%s", v.ID)
		printStatus("Status", "%s", v.Status)
		if v.Error != "" {
			printStatus("Error", "%s", v.Error)
		}
		if v.DurationMS > 0 {
			printStatus("Duration", "%s (%dx%d)", formatMS(v.DurationMS), v.Width, v.Height)
		}
		if v.Progress != nil {
			printStatus("Progress", "%d/%d frames", v.Progress.Done, v.Progress.Total)
		}
		if v.Segments > 0 {
			printStatus("Segments", "%d", v.Segments)
		}
		if v.ThumbnailURL != "" {
			printStatus("Thumbnail", "%s", v.ThumbnailURL)
		}
		return nil
	},
}

var videosDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a video and all its segments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		userID, err := resolveUser(user)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/videos/%s?user_id=%s", url.PathEscape(args[0]), url.QueryEscape(userID.String()))
		resp, err := client.delete(cmd.Context(), path)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted video %s", args[0])
		return nil
	},
}

func init() {
	uploadCmd.Flags().String("user", "", "library user UUID (or CLIPSEEK_USER)")

	searchCmd.Flags().Int("limit", 10, "maximum number of moments")
	searchCmd.Flags().String("video", "", "restrict search to one video ID")
	searchCmd.Flags().Float64("min-score", 0, "recall similarity floor")
	searchCmd.Flags().Float64("threshold", 0, "semantic score threshold (server default when unset)")
	searchCmd.Flags().String("user", "", "library user UUID (or CLIPSEEK_USER)")

	videosListCmd.Flags().Int("limit", 50, "maximum number of videos to list")
	for _, c := range []*cobra.Command{videosListCmd, videosShowCmd, videosDeleteCmd} {
		c.Flags().String("user", "", "library user UUID (or CLIPSEEK_USER)")
		videosCmd.AddCommand(c)
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, s := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, s.Key), s.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
