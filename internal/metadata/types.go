// Package metadata extracts Open Graph style page metadata, either from a
// live browser session or from statically fetched HTML.
package metadata

// MediaType is the Open Graph og:type of a page.
type MediaType string

const (
	MediaMusicSong         MediaType = "music.song"
	MediaMusicAlbum        MediaType = "music.album"
	MediaMusicPlaylist     MediaType = "music.playlist"
	MediaMusicRadioStation MediaType = "music.radio_station"

	MediaVideoMovie   MediaType = "video.movie"
	MediaVideoEpisode MediaType = "video.episode"
	MediaVideoTVShow  MediaType = "video.tv_show"
	MediaVideoOther   MediaType = "video.other"

	MediaArticle MediaType = "article"
	MediaBook    MediaType = "book"
	MediaProfile MediaType = "profile"
	MediaWebsite MediaType = "website"
)

var knownMediaTypes = map[MediaType]struct{}{
	MediaMusicSong:         {},
	MediaMusicAlbum:        {},
	MediaMusicPlaylist:     {},
	MediaMusicRadioStation: {},
	MediaVideoMovie:        {},
	MediaVideoEpisode:      {},
	MediaVideoTVShow:       {},
	MediaVideoOther:        {},
	MediaArticle:           {},
	MediaBook:              {},
	MediaProfile:           {},
	MediaWebsite:           {},
}

// ParseMediaType maps an og:type value onto the closed set; anything
// unknown is a website.
func ParseMediaType(s string) MediaType {
	if _, ok := knownMediaTypes[MediaType(s)]; ok {
		return MediaType(s)
	}
	return MediaWebsite
}

// WebData is the metadata record for one page. Optional fields are nil
// when the page does not provide them.
type WebData struct {
	Title       string    `json:"title"`
	Type        MediaType `json:"type"`
	Description *string   `json:"description,omitempty"`
	Image       *string   `json:"image,omitempty"`
	Authors     []string  `json:"authors"`
	Colour      *string   `json:"colour,omitempty"`
}
