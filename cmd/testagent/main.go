// Testagent is a deterministic stand-in for a model backend.
//
// Wire it as the local or remote agent command to exercise a quorumd
// deployment end to end without an LLM:
//
//	agents:
//	  local_command: ["testagent"]
//	  remote_command: ["testagent", "-tier", "remote"]
//
// The exec caller passes the persona name as the final argument and
// writes the prompt plus the accumulated context packet to stdin; the
// reply goes to stdout. Replies follow the structured review shape the
// conflict detector parses, including POSITION lines.
//
// With -disagree, the architect and senior_engineer personas take
// opposing high-severity stances on the same topic during design, which
// escalates a conflict and pauses the run. Useful for demonstrating the
// human arbitration path.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

var (
	tier     = flag.String("tier", "local", "backend tier name echoed in the reply")
	disagree = flag.Bool("disagree", false, "take conflicting design stances to force an escalation")
)

// phasePattern recovers the phase from the prompt preamble.
var phasePattern = regexp.MustCompile(`Current phase: (\w+)\.`)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: testagent [flags] <persona>")
		os.Exit(2)
	}
	persona := flag.Arg(0)

	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testagent: read stdin: %v\n", err)
		os.Exit(1)
	}

	fmt.Print(reply(persona, string(input), *tier, *disagree))
}

// reply builds the review text for one call.
func reply(persona, input, tier string, disagree bool) string {
	phase := "analysis"
	if m := phasePattern.FindStringSubmatch(input); m != nil {
		phase = m[1]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## %s review (%s phase, %s tier)\n\n", persona, phase, tier)
	fmt.Fprintf(&b, "%s\n\n", assessment(persona, phase))

	if disagree && phase == "design" {
		switch persona {
		case "architect":
			b.WriteString("POSITION[storage engine]: We must use a relational store for transactional integrity.\n")
		case "senior_engineer":
			b.WriteString("POSITION[storage engine]: A relational store is never worth the operational cost here.\n")
		}
	} else if phase == "design" {
		fmt.Fprintf(&b, "POSITION[%s approach]: I recommend the straightforward implementation.\n", persona)
	}

	return b.String()
}

// assessment returns canned review prose per persona and phase.
func assessment(persona, phase string) string {
	switch phase {
	case "analysis":
		return fmt.Sprintf("The task is well scoped. From the %s seat the requirements are clear enough to proceed.", persona)
	case "design":
		return fmt.Sprintf("The proposed structure holds up under %s review; interfaces are narrow and the failure modes are explicit.", persona)
	case "finalization":
		return "The design decisions on record are consistent; the plan is ready to implement as written."
	case "implementation":
		return fmt.Sprintf("Implementation notes from the %s seat: changes are small, covered by tests, and match the finalized plan.", persona)
	default:
		return "No specific guidance for this phase."
	}
}
