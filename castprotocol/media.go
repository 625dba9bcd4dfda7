package castprotocol

const (
	// ContentTypeWAV is the only content type this caster serves.
	ContentTypeWAV = "audio/wav"
	// StreamTypeBuffered is what the default receiver expects for an HTTP stream
	// without a known length.
	StreamTypeBuffered = "BUFFERED"

	metadataTypeGeneric = 0
)

// MediaItem describes the stream handed to the receiver in a LOAD request.
type MediaItem struct {
	ContentId   string     `json:"contentId"`
	ContentType string     `json:"contentType"`
	StreamType  string     `json:"streamType"`
	Metadata    *MediaMeta `json:"metadata,omitempty"`
}

// MediaMeta contains metadata about the media.
type MediaMeta struct {
	MetadataType int    `json:"metadataType"`
	Title        string `json:"title,omitempty"`
}

// NewStreamItem returns the media item for the live desktop audio stream.
func NewStreamItem(streamURL, title string) MediaItem {
	item := MediaItem{
		ContentId:   streamURL,
		ContentType: ContentTypeWAV,
		StreamType:  StreamTypeBuffered,
	}

	if title != "" {
		item.Metadata = &MediaMeta{
			MetadataType: metadataTypeGeneric,
			Title:        title,
		}
	}

	return item
}
