package models

// Channel identifies a delivery transport
type Channel string

const (
	ChannelSMS                Channel = "sms"
	ChannelWhatsappUnofficial Channel = "whatsapp_unofficial"
	ChannelWhatsappOfficial   Channel = "whatsapp_official"
)

// AllChannels lists every known channel in fallback priority order (excluding preference)
var AllChannels = []Channel{ChannelWhatsappOfficial, ChannelWhatsappUnofficial, ChannelSMS}

// IsValid reports whether c is one of the known channels
func (c Channel) IsValid() bool {
	switch c {
	case ChannelSMS, ChannelWhatsappUnofficial, ChannelWhatsappOfficial:
		return true
	}
	return false
}

func (c Channel) String() string {
	return string(c)
}

// IsWhatsapp returns true for both whatsapp transports
func (c Channel) IsWhatsapp() bool {
	return c == ChannelWhatsappUnofficial || c == ChannelWhatsappOfficial
}
