package parser

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestScanM3U(t *testing.T) {
	playlist := `#EXTM3U
#EXTINF:-1 tvg-id="espn.us" tvg-name="ESPN HD" tvg-logo="http://logo/espn.png" group-title="Sports",ESPN
http://host/live/espn.ts
#EXTINF:-1,CNN International
http://host/live/cnn.ts
# comment line to skip
#EXTINF:-1 group-title="Movies, Classics" tvg-name="TCM",TCM
http://host/live/tcm.ts
`
	streams, err := ScanM3U(strings.NewReader(playlist), 7)
	if err != nil {
		t.Fatalf("ScanM3U: %v", err)
	}
	if len(streams) != 3 {
		t.Fatalf("got %d streams, want 3", len(streams))
	}

	first := streams[0]
	if first.Name != "ESPN HD" {
		t.Errorf("name = %q, want tvg-name to win", first.Name)
	}
	if first.URL != "http://host/live/espn.ts" {
		t.Errorf("url = %q", first.URL)
	}
	if first.ProviderID != 7 {
		t.Errorf("providerID = %d, want 7", first.ProviderID)
	}
	if first.Category != "Sports" || first.LogoURL != "http://logo/espn.png" {
		t.Errorf("category/logo = %q/%q", first.Category, first.LogoURL)
	}

	if streams[1].Name != "CNN International" {
		t.Errorf("display name fallback failed: %q", streams[1].Name)
	}

	// Quoted attribute values may contain commas.
	if streams[2].Category != "Movies, Classics" {
		t.Errorf("quoted group-title = %q, want %q", streams[2].Category, "Movies, Classics")
	}
	if streams[2].Name != "TCM" {
		t.Errorf("name = %q, want TCM", streams[2].Name)
	}
}

func TestScanM3UNamelessEntry(t *testing.T) {
	playlist := "#EXTM3U\n#EXTINF:-1,\nhttp://host/x.ts\n"
	streams, err := ScanM3U(strings.NewReader(playlist), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(streams) != 1 || streams[0].Name != "Unknown" {
		t.Errorf("nameless entry = %+v, want name Unknown", streams)
	}
}

func TestDecodePlaylistMaster(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=5000000,RESOLUTION=1920x1080,NAME="FHD"
http://cdn/high.m3u8
#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=1000000
http://cdn/low.m3u8
`
	streams, err := decodePlaylist([]byte(playlist), "http://host/master.m3u8", 3)
	if err != nil {
		t.Fatalf("decodePlaylist: %v", err)
	}
	if len(streams) != 2 {
		t.Fatalf("got %d streams, want one per variant", len(streams))
	}
	if streams[0].Name != "FHD" || streams[0].URL != "http://cdn/high.m3u8" {
		t.Errorf("first variant = %q %q", streams[0].Name, streams[0].URL)
	}
	if streams[0].Attributes["bandwidth"] != "5000000" {
		t.Errorf("bandwidth attr = %q", streams[0].Attributes["bandwidth"])
	}
	if streams[0].Attributes["resolution"] != "1920x1080" {
		t.Errorf("resolution attr = %q", streams[0].Attributes["resolution"])
	}
	if streams[1].Name != "Stream 1000000" {
		t.Errorf("nameless variant = %q", streams[1].Name)
	}
	if streams[1].ProviderID != 3 {
		t.Errorf("providerID = %d, want 3", streams[1].ProviderID)
	}
}

func TestDecodePlaylistMedia(t *testing.T) {
	playlist := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:100
#EXTINF:6.000,
seg100.ts
#EXT-X-ENDLIST
`
	streams, err := decodePlaylist([]byte(playlist), "http://host/live.m3u8", 1)
	if err != nil {
		t.Fatalf("decodePlaylist: %v", err)
	}
	// A media playlist is one direct stream, not a tuple per segment.
	if len(streams) != 1 || streams[0].URL != "http://host/live.m3u8" {
		t.Fatalf("streams = %+v, want the playlist URL itself", streams)
	}
}

func TestDecodePlaylistFallsBackToScanner(t *testing.T) {
	playlist := "#EXTM3U\n" +
		"#EXTINF:-1 tvg-name=\"ESPN\" group-title=\"Sports\",ESPN\n" +
		"http://host/live/espn.ts\n"

	streams, err := decodePlaylist([]byte(playlist), "http://host/playlist.m3u", 1)
	if err != nil {
		t.Fatalf("decodePlaylist: %v", err)
	}
	// Strict HLS decoding rejects the tvg-attribute EXTINF, so the
	// scanner must take over and keep the attributes.
	if len(streams) != 1 {
		t.Fatalf("got %d streams, want 1", len(streams))
	}
	if streams[0].Name != "ESPN" || streams[0].Category != "Sports" {
		t.Errorf("fallback tuple = %+v", streams[0])
	}
}

func TestParseEXTINF(t *testing.T) {
	attrs := parseEXTINF(`#EXTINF:-1 tvg-ID="x" TVG-Name="Channel" custom-attr="v",Display Name`)
	if attrs["tvg-id"] != "x" || attrs["tvg-name"] != "Channel" {
		t.Errorf("attribute keys not lowercased: %v", attrs)
	}
	if attrs["display-name"] != "Display Name" {
		t.Errorf("display-name = %q", attrs["display-name"])
	}
	if attrs["custom-attr"] != "v" {
		t.Errorf("custom-attr = %q", attrs["custom-attr"])
	}
}

func TestFlexInt(t *testing.T) {
	var payload struct {
		A FlexInt `json:"a"`
		B FlexInt `json:"b"`
		C FlexInt `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a": 42, "b": "99", "c": "not-a-number"}`), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.A != 42 {
		t.Errorf("numeric = %d, want 42", payload.A)
	}
	if payload.B != 99 {
		t.Errorf("string number = %d, want 99", payload.B)
	}
	if payload.C != 0 {
		t.Errorf("garbage string = %d, want 0", payload.C)
	}
}

func TestXtreamStreamDecode(t *testing.T) {
	body := `[
		{"num": 1, "name": "ESPN", "stream_id": "1001", "stream_icon": "http://logo/1.png", "category_id": "5"},
		{"num": "2", "name": "CNN", "stream_id": 1002, "category_id": "5"}
	]`
	var streams []xcLiveStream
	if err := json.Unmarshal([]byte(body), &streams); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if streams[0].StreamID != 1001 || streams[1].StreamID != 1002 {
		t.Errorf("stream IDs = %d, %d", streams[0].StreamID, streams[1].StreamID)
	}
	if streams[1].Num != 2 {
		t.Errorf("string num = %d, want 2", streams[1].Num)
	}
}
