package scorm

// Mode is the lesson mode an attempt is played in.
type Mode string

const (
	ModeNormal Mode = "normal"
	ModeBrowse Mode = "browse"
	ModeReview Mode = "review"
)

// ParseMode maps arbitrary client input to a valid mode, defaulting to normal.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeBrowse:
		return ModeBrowse
	case ModeReview:
		return ModeReview
	default:
		return ModeNormal
	}
}

// DataEntry is one tracked element/value pair as exchanged with the LMS.
type DataEntry struct {
	Element string `json:"element"`
	Value   string `json:"value"`
}

// ScoUserData holds the tracked data of one SCO within an attempt.
// UserData holds the values generated by the content package, DefaultData the
// values the runtime bootstraps the data model with.
type ScoUserData struct {
	ScoID       uint              `json:"scoid"`
	UserData    map[string]string `json:"userdata"`
	DefaultData map[string]string `json:"defaultdata"`
}

// UserDataMap maps SCO ids to their tracked data.
type UserDataMap map[uint]*ScoUserData

// NewScoUserData returns an empty ScoUserData for the given SCO.
func NewScoUserData(scoID uint) *ScoUserData {
	return &ScoUserData{
		ScoID:       scoID,
		UserData:    map[string]string{},
		DefaultData: map[string]string{},
	}
}

// WithoutDefaultData returns a copy of the map with every DefaultData emptied.
// Snapshots only persist user-generated values.
func (m UserDataMap) WithoutDefaultData() UserDataMap {
	result := UserDataMap{}
	for scoID, sco := range m {
		clean := NewScoUserData(scoID)
		for element, value := range sco.UserData {
			clean.UserData[element] = value
		}
		result[scoID] = clean
	}
	return result
}
