package crawler

import "time"

// EntityStatus is the operational status of a canonical booth.
type EntityStatus string

// Canonical entity statuses.
const (
	EntityActive     EntityStatus = "active"
	EntityUnverified EntityStatus = "unverified"
	EntityInactive   EntityStatus = "inactive"
	EntityClosed     EntityStatus = "closed"
)

// Valid reports whether s is a known entity status.
func (s EntityStatus) Valid() bool {
	switch s {
	case EntityActive, EntityUnverified, EntityInactive, EntityClosed:
		return true
	default:
		return false
	}
}

// CandidateEntity is an unreconciled booth record produced by extraction.
// It is never persisted on its own.
type CandidateEntity struct {
	Name                string   `json:"name"`
	Address             string   `json:"address,omitempty"`
	City                string   `json:"city"`
	Country             string   `json:"country"`
	PostalCode          string   `json:"postal_code,omitempty"`
	Region              string   `json:"region,omitempty"`
	Latitude            *float64 `json:"latitude,omitempty"`
	Longitude           *float64 `json:"longitude,omitempty"`
	Description         string   `json:"description,omitempty"`
	Photos              []string `json:"photos,omitempty"`
	ExteriorPhoto       string   `json:"exterior_photo,omitempty"`
	MachineModel        string   `json:"machine_model,omitempty"`
	MachineManufacturer string   `json:"machine_manufacturer,omitempty"`
	Hours               string   `json:"hours,omitempty"`
	Cost                string   `json:"cost,omitempty"`
	Phone               string   `json:"phone,omitempty"`
	Website             string   `json:"website,omitempty"`
	SourceURL           string   `json:"source_url"`
	SourceName          string   `json:"source_name"`
}

// HasCoordinates reports whether both coordinates are present.
func (c CandidateEntity) HasCoordinates() bool {
	return c.Latitude != nil && c.Longitude != nil
}

// CanonicalEntity is the authoritative, deduplicated record for one booth.
type CanonicalEntity struct {
	ID                  string       `json:"id"`
	Slug                string       `json:"slug"`
	Name                string       `json:"name"`
	// Aliases are other names this booth was listed under before merges.
	Aliases             []string     `json:"aliases,omitempty"`
	Address             string       `json:"address,omitempty"`
	City                string       `json:"city"`
	Country             string       `json:"country"`
	PostalCode          string       `json:"postal_code,omitempty"`
	Region              string       `json:"region,omitempty"`
	Latitude            *float64     `json:"latitude,omitempty"`
	Longitude           *float64     `json:"longitude,omitempty"`
	Status              EntityStatus `json:"status"`
	SourceNames         []string     `json:"source_names"`
	SourceURLs          []string     `json:"source_urls"`
	Description         string       `json:"description,omitempty"`
	Photos              []string     `json:"photos,omitempty"`
	ExteriorPhoto       string       `json:"exterior_photo,omitempty"`
	MachineModel        string       `json:"machine_model,omitempty"`
	MachineManufacturer string       `json:"machine_manufacturer,omitempty"`
	Hours               string       `json:"hours,omitempty"`
	Cost                string       `json:"cost,omitempty"`
	Phone               string       `json:"phone,omitempty"`
	Website             string       `json:"website,omitempty"`
	Version             int64        `json:"version"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// HasCoordinates reports whether both coordinates are present.
func (e CanonicalEntity) HasCoordinates() bool {
	return e.Latitude != nil && e.Longitude != nil
}

// Persisted reports whether the entity has a durable identity.
func (e CanonicalEntity) Persisted() bool {
	return e.ID != ""
}

// Clone returns a deep copy so merges never alias caller slices.
func (e CanonicalEntity) Clone() CanonicalEntity {
	out := e
	out.SourceNames = append([]string(nil), e.SourceNames...)
	out.SourceURLs = append([]string(nil), e.SourceURLs...)
	out.Photos = append([]string(nil), e.Photos...)
	out.Aliases = append([]string(nil), e.Aliases...)
	if e.Latitude != nil {
		lat := *e.Latitude
		out.Latitude = &lat
	}
	if e.Longitude != nil {
		lng := *e.Longitude
		out.Longitude = &lng
	}
	return out
}

// AsCanonical converts a candidate into an unpersisted canonical record.
func (c CandidateEntity) AsCanonical() CanonicalEntity {
	e := CanonicalEntity{
		Name:                c.Name,
		Address:             c.Address,
		City:                c.City,
		Country:             c.Country,
		PostalCode:          c.PostalCode,
		Region:              c.Region,
		Latitude:            c.Latitude,
		Longitude:           c.Longitude,
		Status:              EntityUnverified,
		Description:         c.Description,
		Photos:              c.Photos,
		ExteriorPhoto:       c.ExteriorPhoto,
		MachineModel:        c.MachineModel,
		MachineManufacturer: c.MachineManufacturer,
		Hours:               c.Hours,
		Cost:                c.Cost,
		Phone:               c.Phone,
		Website:             c.Website,
	}
	if c.SourceName != "" {
		e.SourceNames = []string{c.SourceName}
	}
	if c.SourceURL != "" {
		e.SourceURLs = []string{c.SourceURL}
	}
	return e.Clone()
}

// Locality partitions entities for parallel dedup passes.
type Locality struct {
	Country string `json:"country"`
	City    string `json:"city"`
}

// MergeDecision names one keeper, its losers in score order, and the merged
// payload written to the keeper before the losers are removed.
type MergeDecision struct {
	Keeper CanonicalEntity
	Losers []CanonicalEntity
	Merged CanonicalEntity
}

// LoserIDs returns the persisted loser IDs that differ from the keeper.
func (d MergeDecision) LoserIDs() []string {
	ids := make([]string, 0, len(d.Losers))
	for _, l := range d.Losers {
		if l.Persisted() && l.ID != d.Keeper.ID {
			ids = append(ids, l.ID)
		}
	}
	return ids
}
