// Package taskcat is the catalog of ScienceWorld tasks: the task-id to
// task-name mapping, topic grouping, simplification presets, and episode
// key helpers shared by the planner, the persistence layer, and memory.
package taskcat

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// taskMapping covers the 30 tasks across 10 topics.
var taskMapping = map[string]string{
	// Topic 1: Matter - Phase Changes
	"1-1": "boil",
	"1-2": "melt",
	"1-3": "freeze",
	"1-4": "change-the-state-of-matter-of",
	// Topic 2: Measurement
	"2-1": "use-thermometer",
	"2-2": "measure-melting-point-known-substance",
	"2-3": "measure-melting-point-unknown-substance",
	// Topic 3: Electricity
	"3-1": "power-component",
	"3-2": "power-component-renewable-vs-nonrenewable-energy",
	"3-3": "test-conductivity",
	"3-4": "test-conductivity-of-unknown-substances",
	// Topic 4: Classification
	"4-1": "find-living-thing",
	"4-2": "find-non-living-thing",
	"4-3": "find-plant",
	"4-4": "find-animal",
	// Topic 5: Biology - Plant Growth
	"5-1": "grow-plant",
	"5-2": "grow-fruit",
	// Topic 6: Chemistry
	"6-1": "chemistry-mix",
	"6-2": "chemistry-mix-paint-secondary-color",
	"6-3": "chemistry-mix-paint-tertiary-color",
	// Topic 7: Biology - Lifespan
	"7-1": "lifespan-longest-lived",
	"7-2": "lifespan-shortest-lived",
	"7-3": "lifespan-longest-lived-then-shortest-lived",
	// Topic 8: Biology - Life Stages
	"8-1": "identify-life-stages-1",
	"8-2": "identify-life-stages-2",
	// Topic 9: Forces
	"9-1": "inclined-plane-determine-angle",
	"9-2": "inclined-plane-friction-named-surfaces",
	"9-3": "inclined-plane-friction-unnamed-surfaces",
	// Topic 10: Biology - Genetics
	"10-1": "mendelian-genetics-known-plant",
	"10-2": "mendelian-genetics-unknown-plant",
}

var nameToID = func() map[string]string {
	m := make(map[string]string, len(taskMapping))
	for id, name := range taskMapping {
		m[name] = id
	}
	return m
}()

// electricalTasks cannot run with the noElectricalAction simplification.
var electricalTasks = map[string]bool{
	"3-1": true, "3-2": true, "3-3": true, "3-4": true,
}

// simplificationPresets maps a preset name to its flag list.
var simplificationPresets = map[string][]string{
	"easy": {"teleportAction", "openDoors", "selfWateringFlowerPots", "noElectricalAction"},
}

var validSimplifications = map[string]bool{
	"teleportAction":         true,
	"openDoors":              true,
	"selfWateringFlowerPots": true,
	"noElectricalAction":     true,
	"openContainers":         true,
}

// NameByID resolves a task id like "1-1" to its task name.
func NameByID(id string) (string, bool) {
	name, ok := taskMapping[id]
	return name, ok
}

// IDByName resolves a task name like "boil" to its task id.
func IDByName(name string) (string, bool) {
	id, ok := nameToID[name]
	return id, ok
}

// AllIDs returns every catalog task id ordered by topic then index,
// which is the canonical plan enumeration order.
func AllIDs() []string {
	ids := make([]string, 0, len(taskMapping))
	for id := range taskMapping {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return Less(ids[i], ids[j]) })
	return ids
}

// Less orders task ids numerically by topic then task index, so "2-1"
// sorts before "10-1".
func Less(a, b string) bool {
	at, ai := splitID(a)
	bt, bi := splitID(b)
	if at != bt {
		return at < bt
	}
	if ai != bi {
		return ai < bi
	}
	return a < b
}

func splitID(id string) (topic, index int) {
	parts := strings.SplitN(id, "-", 2)
	topic, _ = strconv.Atoi(parts[0])
	if len(parts) == 2 {
		index, _ = strconv.Atoi(parts[1])
	}
	return topic, index
}

// Topic returns the topic number of a task id, or 0 if unparsable.
func Topic(id string) int {
	topic, _ := splitID(id)
	return topic
}

// Family returns the task family used to scope experience retrieval.
// Records only apply to the task they were learned on, so the family is
// the task name itself.
func Family(taskID string) string {
	if name, ok := taskMapping[taskID]; ok {
		return name
	}
	return taskID
}

// Simplifications expands a preset or comma-separated flag list, dropping
// noElectricalAction for tasks that require electrical actions.
func Simplifications(spec, taskID string) []string {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}

	var flags []string
	if preset, ok := simplificationPresets[spec]; ok {
		flags = append(flags, preset...)
	} else {
		for _, s := range strings.Split(spec, ",") {
			if s = strings.TrimSpace(s); s != "" {
				flags = append(flags, s)
			}
		}
	}

	if electricalTasks[taskID] {
		kept := flags[:0]
		for _, f := range flags {
			if f != "noElectricalAction" {
				kept = append(kept, f)
			}
		}
		flags = kept
	}
	return flags
}

// SimplificationString renders the expanded flag list as the comma-separated
// form the simulator expects.
func SimplificationString(spec, taskID string) string {
	return strings.Join(Simplifications(spec, taskID), ",")
}

// ValidateSimplifications rejects unknown flags. A preset name is valid as-is.
func ValidateSimplifications(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	if _, ok := simplificationPresets[spec]; ok {
		return nil
	}
	for _, s := range strings.Split(spec, ",") {
		s = strings.TrimSpace(s)
		if s != "" && !validSimplifications[s] {
			return fmt.Errorf("invalid simplification %q", s)
		}
	}
	return nil
}

// EpisodeKey builds the stable key identifying one (task, variation, episode)
// unit of work, e.g. "4-1_v12_e0".
func EpisodeKey(taskID string, variation, episode int) string {
	return fmt.Sprintf("%s_v%d_e%d", taskID, variation, episode)
}

// ParseEpisodeKey is the inverse of EpisodeKey.
func ParseEpisodeKey(key string) (taskID string, variation, episode int, err error) {
	parts := strings.Split(key, "_")
	if len(parts) != 3 || !strings.HasPrefix(parts[1], "v") || !strings.HasPrefix(parts[2], "e") {
		return "", 0, 0, fmt.Errorf("malformed episode key %q", key)
	}
	variation, err = strconv.Atoi(parts[1][1:])
	if err != nil {
		return "", 0, 0, fmt.Errorf("malformed episode key %q: %w", key, err)
	}
	episode, err = strconv.Atoi(parts[2][1:])
	if err != nil {
		return "", 0, 0, fmt.Errorf("malformed episode key %q: %w", key, err)
	}
	return parts[0], variation, episode, nil
}
