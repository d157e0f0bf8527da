package hash2torrent

// Metadata describes the info dictionary of a resolved torrent.
type Metadata struct {
	Name        string `json:"name"`
	TotalLength int64  `json:"total_length"`
	PieceLength int64  `json:"piece_length"`
	Pieces      int    `json:"pieces"`
	Files       int    `json:"files"`
}
