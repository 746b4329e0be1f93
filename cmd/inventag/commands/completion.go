package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script",
	Long: `To load completions:

Bash:
  $ source <(inventag completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ inventag completion bash > /etc/bash_completion.d/inventag
  # macOS:
  $ inventag completion bash > /usr/local/etc/bash_completion.d/inventag

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it.  You can execute the following once:

  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ inventag completion zsh > "${fpath[1]}/_inventag"

  # You will need to start a new shell for this setup to take effect.

Fish:
  $ inventag completion fish | source

  # To load completions for each session, execute once:
  $ inventag completion fish > ~/.config/fish/completions/inventag.fish
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	Run: func(cmd *cobra.Command, args []string) {
		switch args[0] {
		case "bash":
			fmt.Print(humanBashCompletion)
		case "zsh":
			rootCmd.GenZshCompletion(os.Stdout)
		case "fish":
			rootCmd.GenFishCompletion(os.Stdout, true)
		case "powershell":
			rootCmd.GenPowerShellCompletion(os.Stdout)
		}
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

// humanBashCompletion is a handcrafted, minimal bash completion script
// that avoids the robotic verbosity of auto-generated ones.
const humanBashCompletion = `
# inventag bash completion

_inventag_completion() {
    local cur prev opts
    COMPREPLY=()
    cur="${COMP_WORDS[COMP_CWORD]}"
    prev="${COMP_WORDS[COMP_CWORD-1]}"
    opts="scan delta snapshots policy permissions completion help"

    case "${prev}" in
        scan)
            COMPREPLY=( $(compgen -W "--regions --services --profile --all-profiles --policy --state-dir --fail-below --strict --help" -- ${cur}) )
            return 0
            ;;
        delta)
            COMPREPLY=( $(compgen -W "--json --help" -- ${cur}) )
            return 0
            ;;
        snapshots)
            COMPREPLY=( $(compgen -W "list verify prune --state-dir --account --help" -- ${cur}) )
            return 0
            ;;
        policy)
            COMPREPLY=( $(compgen -W "validate --help" -- ${cur}) )
            return 0
            ;;
        permissions)
            COMPREPLY=( $(compgen -W "--with-costs --help" -- ${cur}) )
            return 0
            ;;
        completion)
            COMPREPLY=( $(compgen -W "bash zsh fish powershell" -- ${cur}) )
            return 0
            ;;
        --regions)
            # Common regions
            local regions="us-east-1 us-east-2 us-west-1 us-west-2 eu-central-1 eu-west-1 ap-southeast-1"
            COMPREPLY=( $(compgen -W "${regions}" -- ${cur}) )
            return 0
            ;;
        *)
            ;;
    esac

    # Global Flags
    if [[ ${cur} == -* ]] ; then
        COMPREPLY=( $(compgen -W "--help --version --config --verbose --json-logs" -- ${cur}) )
        return 0
    fi

    # Subcommands
    COMPREPLY=( $(compgen -W "${opts}" -- ${cur}) )
}

complete -F _inventag_completion inventag
`
