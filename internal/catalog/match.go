package catalog

// MatchTeams reports whether two feed rows describe the same game. The
// feeds share no identifier, so the display names are the join key and
// must be equal on both sides.
func MatchTeams(home, away, otherHome, otherAway string) bool {
	return home != "" && away != "" && home == otherHome && away == otherAway
}
