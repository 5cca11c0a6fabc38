package relay

import "testing"

func variant(url, video, bandwidth string) Variant {
	return Variant{
		URL:    url,
		Stream: map[string]string{"VIDEO": video, "BANDWIDTH": bandwidth},
	}
}

func TestSelectVariant_highest_bandwidth(t *testing.T) {
	v := SelectVariant([]Variant{
		variant("http://edge/low.m3u8", "480p30", "1000000"),
		variant("http://edge/high.m3u8", "720p60", "3000000"),
	})
	if v == nil || v.URL != "http://edge/high.m3u8" {
		t.Errorf("got %+v, want highest bandwidth", v)
	}
}

func TestSelectVariant_prefers_source_quality(t *testing.T) {
	v := SelectVariant([]Variant{
		variant("http://edge/720p60.m3u8", "720p60", "9000000"),
		variant("http://edge/chunked.m3u8", "chunked", "6000000"),
	})
	if v == nil || v.Stream["VIDEO"] != "chunked" {
		t.Errorf("got %+v, want chunked over higher-bandwidth 720p60", v)
	}
}

func TestSelectVariant_filters_ad_url(t *testing.T) {
	v := SelectVariant([]Variant{
		variant("http://edge/ads/spot.m3u8", "chunked", "9000000"),
		variant("http://edge/720p60.m3u8", "720p60", "3000000"),
	})
	if v == nil || v.URL != "http://edge/720p60.m3u8" {
		t.Errorf("got %+v, want the ad URL excluded despite higher bandwidth", v)
	}
}

func TestSelectVariant_filters_odd_quality_id(t *testing.T) {
	v := SelectVariant([]Variant{
		variant("http://edge/a.m3u8", "stitched-ad-1", "9000000"),
		variant("http://edge/b.m3u8", "audio_only", "128000"),
	})
	if v == nil || v.Stream["VIDEO"] != "audio_only" {
		t.Errorf("got %+v, want the unusual quality id excluded", v)
	}
}

func TestSelectVariant_filters_odd_group_id(t *testing.T) {
	bad := variant("http://edge/a.m3u8", "720p60", "9000000")
	bad.Media = map[string]string{"GROUP-ID": "live-ad-roll"}
	v := SelectVariant([]Variant{bad, variant("http://edge/b.m3u8", "480p30", "1000000")})
	if v == nil || v.URL != "http://edge/b.m3u8" {
		t.Errorf("got %+v, want the unusual group id excluded", v)
	}
}

func TestSelectVariant_requires_bandwidth(t *testing.T) {
	noBandwidth := Variant{URL: "http://edge/a.m3u8", Stream: map[string]string{"VIDEO": "chunked"}}
	if v := SelectVariant([]Variant{noBandwidth, {URL: "http://edge/b.m3u8"}}); v != nil {
		t.Errorf("got %+v, want nil when no variant carries a bandwidth", v)
	}
}

func TestSelectVariant_none(t *testing.T) {
	if v := SelectVariant(nil); v != nil {
		t.Errorf("got %+v, want nil for empty input", v)
	}
}
