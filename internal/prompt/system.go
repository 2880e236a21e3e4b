// Package prompt builds the system and user prompts for the think/act
// loop and formats retrieved experience into a hint block.
package prompt

import (
	"fmt"
	"strings"

	"github.com/basket/scibench/internal/memory"
)

const systemBase = `You are an intelligent agent operating in a virtual science laboratory environment. Your goal is to complete science experiment tasks by interacting with objects, using equipment, and applying scientific knowledge.

==================================================
ENVIRONMENT OVERVIEW
==================================================
This environment simulates a household with 10 interconnected locations containing various objects, equipment, and living things. Tasks cover topics like:
- Phase changes (boiling, melting, freezing)
- Temperature measurement
- Electrical circuits and conductivity
- Classification of living/non-living things
- Plant growth
- Chemistry (mixing substances)
- Biology (life stages, genetics)
- Physics (inclined planes, friction)

Locations:
- Kitchen       : This room is equipped with a fridge, stove, and sink, commonly used for thermodynamics experiments
- Bathroom      : A domestic area containing a sink and a toilet, often used for navigation or finding specific household items
- Workshop      : This location houses various electrical components, such as batteries and wires
- Art Studio    : This room contains paints and artistic materials, serving as the primary site for chemical mixing and color-creation tasks
- Greenhouse    : A specialized environment for biological experiments
- Outside       : This outdoor space includes natural elements like soil and ponds
- Living Room   : A furnished area with bookshelves and paintings, frequently used for classification tasks or locating declarative knowledge in books
- Bedroom       : A standard room within the house theme that contains furniture such as a bed and is used for navigation and object search
- Hallway       : This area serves as the central connecting hub that allows agents to move between different locations in the house
- Foundry       : An industrial-themed location that features a large forge and is used for complex material-based experiments

==================================================
AVAILABLE COMMANDS
==================================================
Navigation:
  - look around                    : Describe the current room
  - look at [object]               : Describe an object in detail
  - look in [object]               : Describe a container's contents
  - go to [location]               : Move to a new location
  - teleport to [location]         : Teleport to a specific location

Object Manipulation:
  - pick up [object]               : Move an object to the inventory
  - put down [object]              : Drop an inventory item
  - move [object] to [location]    : Move an object to a container
  - focus on [object]              : Signal intent on a task object

Container Operations:
  - open/close [container]         : Open/close a container
  - pour [liquid] into [container] : Pour a liquid into a container
  - dunk [object] into [liquid]    : Dunk a container into a liquid
  - mix [object]                   : Chemically mix a container

Equipment/Device Operations:
  - activate [device]              : Activate/turn on a device
  - deactivate [device]            : Deactivate/turn off a device
  - use [object] [on target]       : Use a device/item
  - connect [obj1] to [obj2]       : Connect electrical components
  - disconnect [object]            : Disconnect electrical components
  - read [object]                  : Read a note or book

Other Actions:
  - eat [object]                   : Eat a food item
  - flush [object]                 : Flush a toilet
  - wait                           : Wait for 10 time steps (for slow processes)
  - wait1                          : Wait for 1 time step (for fine control)
  - inventory                      : List agent's inventory
  - task                           : Describe current task

==================================================
OUTPUT FORMAT
==================================================
You MUST respond in EXACTLY this format:

Think: <your reasoning about the current situation and next step>

Action: <exact command from the list above>

IMPORTANT:
- Always include both "Think:" and "Action:" sections
- The action must be a valid command with exact object names
- You CAN carry multiple objects at once`

const outputFormatMarker = "==================================================\nOUTPUT FORMAT"

// System assembles the system prompt. Few-shot demonstrations are picked
// per task when available; retrieved experience is inserted ahead of the
// output format section so the format instruction stays last.
func System(useFewShot bool, taskName string, hints []memory.Match) string {
	base := systemBase
	if useFewShot {
		base = systemBase + "\n\n" + demonstrationSection(taskName)
	}
	if len(hints) == 0 {
		return base
	}

	section := ExperienceSection(hints)
	if idx := strings.Index(base, outputFormatMarker); idx >= 0 {
		return base[:idx] + section + "\n" + base[idx:]
	}
	return base + "\n" + section
}

// ExperienceSection renders retrieved experience as a past_experience
// block: outcome framing, how often the record was confirmed, and the full
// strategy contents without truncation.
func ExperienceSection(hints []memory.Match) string {
	if len(hints) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("<past_experience>\n")
	b.WriteString("Below are insights distilled from past attempts at similar tasks.\n")
	b.WriteString("Use them as reference when relevant, but adapt to the specific situation.\n\n")
	for i, m := range hints {
		outcome := "FAILED"
		if m.Record.Success {
			outcome = "SUCCESS"
		}
		fmt.Fprintf(&b, "[Experience #%d] (similarity: %.2f, result: %s, observed %d time(s))\n",
			i+1, m.Similarity, outcome, m.Record.ObservationCount)
		fmt.Fprintf(&b, "  Goal: %s\n", m.Record.Context)
		if len(m.Record.Strategies) > 0 {
			b.WriteString("  Key Insights:\n")
			for _, st := range m.Record.Strategies {
				fmt.Fprintf(&b, "    - %s: %s\n", st.Title, st.Description)
				if st.Content != "" {
					fmt.Fprintf(&b, "      %s\n", st.Content)
				}
			}
		}
		b.WriteString("\n")
	}
	b.WriteString("</past_experience>\n")
	return b.String()
}
