package service

import "github.com/google/uuid"

// canonical 8-4-4-4-12 form; uuid.Parse also accepts urn and braced forms
const uuidLength = 36

// canonicalID checks that value is a UUID and returns its lowercase form, the
// only form stored or hashed.
func canonicalID(field, value string) (string, error) {
	if len(value) != uuidLength {
		return "", &ValidationError{Field: field, Value: value}
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return "", &ValidationError{Field: field, Value: value}
	}
	return id.String(), nil
}

// normalize validates every identifier and rewrites it in canonical form.
func (r *CastRequest) normalize() error {
	for _, f := range []struct {
		name  string
		value *string
	}{
		{"voter_id", &r.VoterID},
		{"candidate_id", &r.CandidateID},
		{"position_id", &r.PositionID},
		{"election_id", &r.ElectionID},
	} {
		id, err := canonicalID(f.name, *f.value)
		if err != nil {
			return err
		}
		*f.value = id
	}
	return nil
}
