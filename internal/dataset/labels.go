package dataset

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrMalformedName is returned for file names that do not follow
// {age}_{gender}_{race}_{timestamp}.jpg with known label ids.
var ErrMalformedName = errors.New("dataset: malformed file name")

var (
	idGender = map[int]string{0: "male", 1: "female"}
	idRace   = map[int]string{0: "white", 1: "black", 2: "asian", 3: "indian", 4: "others"}

	genderID = invert(idGender)
	raceID   = invert(idRace)
)

// Number of gender and race classes.
const (
	NumGenders = 2
	NumRaces   = 5
)

// Record is one labelled face image.
type Record struct {
	Key      string
	Age      int
	Gender   string
	Race     string
	GenderID int
	RaceID   int
}

// ParseFilename extracts the labels encoded in a UTKFace file name.
func ParseFilename(key string) (Record, error) {
	base := filepath.Base(key)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	fields := strings.Split(name, "_")
	if len(fields) != 4 {
		return Record{}, errors.Wrapf(ErrMalformedName, "%s: %d fields", key, len(fields))
	}
	age, err := strconv.Atoi(fields[0])
	if err != nil {
		return Record{}, errors.Wrapf(ErrMalformedName, "%s: age %q", key, fields[0])
	}
	g, err := strconv.Atoi(fields[1])
	if err != nil {
		return Record{}, errors.Wrapf(ErrMalformedName, "%s: gender %q", key, fields[1])
	}
	r, err := strconv.Atoi(fields[2])
	if err != nil {
		return Record{}, errors.Wrapf(ErrMalformedName, "%s: race %q", key, fields[2])
	}
	gender, ok := idGender[g]
	if !ok {
		return Record{}, errors.Wrapf(ErrMalformedName, "%s: unknown gender id %d", key, g)
	}
	race, ok := idRace[r]
	if !ok {
		return Record{}, errors.Wrapf(ErrMalformedName, "%s: unknown race id %d", key, r)
	}
	return Record{Key: key, Age: age, Gender: gender, Race: race, GenderID: g, RaceID: r}, nil
}

// GenderID maps a gender name to its id.
func GenderID(name string) (int, bool) {
	id, ok := genderID[name]
	return id, ok
}

// RaceID maps a race name to its id.
func RaceID(name string) (int, bool) {
	id, ok := raceID[name]
	return id, ok
}

// GenderName maps a gender id to its name.
func GenderName(id int) (string, bool) {
	name, ok := idGender[id]
	return name, ok
}

// RaceName maps a race id to its name.
func RaceName(id int) (string, bool) {
	name, ok := idRace[id]
	return name, ok
}

// OneHot encodes id as a vector of length n.
func OneHot(id, n int) []float64 {
	v := make([]float64, n)
	if id >= 0 && id < n {
		v[id] = 1
	}
	return v
}

func invert(m map[int]string) map[string]int {
	out := make(map[string]int, len(m))
	for id, name := range m {
		out[name] = id
	}
	return out
}
