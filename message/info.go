package message

// InfoBody is the JSON body of the info message exchanged right after a TCP
// connection is established. Identity (uuid, tcp port) travels in the header.
type InfoBody struct {
	Name                string  `json:"name"`
	Description         string  `json:"description"`
	NetworkName         string  `json:"network_name"`
	Path                string  `json:"path"`
	Hostname            string  `json:"hostname"`
	Pid                 int     `json:"pid"`
	StartTime           int64   `json:"start_time"`           // epoch microseconds
	Timeout             float64 `json:"timeout"`              // seconds, -1 means infinite
	AdvertisingInterval float64 `json:"advertising_interval"` // seconds, -1 means disabled
	GhostMode           bool    `json:"ghost_mode"`
}
