package types

import "time"

// CreateTransferRequest registers a file the sender is about to offer.
type CreateTransferRequest struct {
	Metadata      FileMetadata `json:"metadata"`
	Password      string       `json:"password,omitempty"`
	MaxRecipients int          `json:"maxRecipients,omitempty"`
}

// Ticket is returned to the sender. Token goes out in the last chunk and is
// redeemed by the receiver once the file verifies.
type Ticket struct {
	Code      string    `json:"code"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TransferInfo is what a receiver learns when looking up a code.
type TransferInfo struct {
	Code               string       `json:"code"`
	Metadata           FileMetadata `json:"metadata"`
	Protected          bool         `json:"protected"`
	RemainingDownloads int          `json:"remainingDownloads"`
	ExpiresAt          time.Time    `json:"expiresAt"`
}

// Stats summarises completed transfers.
type Stats struct {
	CompletedTransfers int64 `json:"completedTransfers"`
	BytesTransferred   int64 `json:"bytesTransferred"`
}
