package models

// PendingFeatures is a stored record of a geo model whose geometry field is set
// but whose feature field has not been extracted yet.
type PendingFeatures struct {
	ID     string // ID is the record identifier.
	Values Record // Values holds the stored attributes of the record.
}
