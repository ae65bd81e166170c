package model

import (
	"strings"
)

type Pose string

const (
	PoseTree    Pose = "tree"
	PoseWarrior Pose = "warrior"
	PoseSphinx  Pose = "sphinx"
)

var knownPoses = map[Pose]bool{
	PoseTree:    true,
	PoseWarrior: true,
	PoseSphinx:  true,
}

// ParsePose normalizes a pose name and reports whether it is in the catalog.
func ParsePose(name string) (Pose, bool) {
	p := Pose(strings.ToLower(strings.TrimSpace(name)))
	return p, knownPoses[p]
}

func KnownPoses() []Pose {
	return []Pose{PoseTree, PoseWarrior, PoseSphinx}
}
