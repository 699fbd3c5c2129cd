package chat

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// cookiesHeaderMarker is the standard Netscape cookie-jar file comment
// line yt-dlp and browser cookie exporters both emit.
const cookiesHeaderMarker = "# Netscape HTTP Cookie File"

// ValidateCookiesFile performs the minimal structural check §6 requires
// before a DM attachment named cookies.txt is accepted into UserCookies:
// a Netscape header line, at least one tab-separated data row, and at
// least one row scoped to a youtube.com domain. The core never interprets
// cookie values beyond this — they are handed to MediaSource as an opaque
// blob.
func ValidateCookiesFile(blob []byte) error {
	if len(blob) == 0 {
		return fmt.Errorf("chat: cookies file is empty")
	}

	scanner := bufio.NewScanner(bytes.NewReader(blob))
	sawHeader := false
	sawYoutubeRow := false
	sawAnyRow := false

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			if strings.Contains(trimmed, "Netscape") || strings.Contains(trimmed, "HTTP Cookie File") {
				sawHeader = true
			}
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) < 7 {
			continue // not a well-formed cookie row; ignore rather than reject outright
		}
		sawAnyRow = true
		if strings.Contains(fields[0], "youtube.com") {
			sawYoutubeRow = true
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("chat: read cookies file: %w", err)
	}

	if !sawHeader {
		return fmt.Errorf("chat: missing %q header line", cookiesHeaderMarker)
	}
	if !sawAnyRow {
		return fmt.Errorf("chat: no tab-separated cookie rows found")
	}
	if !sawYoutubeRow {
		return fmt.Errorf("chat: no .youtube.com cookie entry found")
	}
	return nil
}
