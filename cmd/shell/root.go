package shell

import (
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	cmdUtil "github.com/ValentinKolb/pathkvs/cmd/util"
	"github.com/ValentinKolb/pathkvs/lib/kv"
	"github.com/ValentinKolb/pathkvs/rpc/client"
)

var (
	ShellCmd = &cobra.Command{
		Use:   "shell",
		Short: "Interactive pathkvs shell",
		Long: `Connect to a pathkvs server and talk to it interactively.

  KEY=VALUE    write
  KEY          read
  BEGIN*END    list keys matching prefix BEGIN and suffix END
  BEGIN*END=   same, with values
  start        begin a transaction
  snap         freeze a read-only snapshot
  commit       commit the transaction
  rollback     discard the transaction
  quit         leave`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cmdUtil.BindCommandFlags(cmd); err != nil {
				return err
			}
			return run()
		},
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)
	cmdUtil.SetupClientFlags(ShellCmd)
}

func run() error {
	conn, err := client.Dial(*cmdUtil.GetClientConfig())
	if err != nil {
		return err
	}
	defer conn.Close()

	rl, err := readline.New("pathkvs> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	// session counters shown on commit/rollback
	readCount := 0
	writeCount := 0

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)

		if key, value, isAssign := strings.Cut(line, "="); isAssign {
			if begin, end, isScan := strings.Cut(key, "*"); isScan && value == "" {
				entries, err := conn.Scan(begin, end)
				if err != nil {
					return err
				}
				readCount += len(entries)
				printMatches(key, len(entries))
				for _, e := range entries {
					fmt.Printf("%s=%s\n", e.Key, e.Value)
				}
			} else if isScan {
				fmt.Println("error: can't assign to scan")
			} else if conn.Mode() == client.ModeSnapshot {
				fmt.Println("error: can't write to snapshot")
			} else {
				writeCount++
				if err := conn.Write(key, value); err != nil {
					return err
				}
			}
			continue
		}

		switch line {
		case "":
			// ignore
		case "start":
			mode := conn.Mode()
			if err := conn.Start(); err != nil {
				return err
			}
			switch mode {
			case client.ModeTransaction:
				fmt.Println("started transaction, rolled back previous transaction")
			case client.ModeSnapshot:
				fmt.Println("started transaction, finished previous snapshot")
			default:
				fmt.Println("started transaction")
			}
			readCount, writeCount = 0, 0
		case "snap":
			if err := conn.Snap(); err != nil {
				return err
			}
			fmt.Println("snapshoted database")
			readCount, writeCount = 0, 0
		case "commit":
			switch conn.Mode() {
			case client.ModeDirect:
				fmt.Println("commited nothing, not in a transaction")
			case client.ModeSnapshot:
				if err := conn.Commit(); err != nil {
					return err
				}
				fmt.Println("commited nothing, finished snapshot")
			default:
				err := conn.Commit()
				switch {
				case err == nil:
					fmt.Printf("commited %d read(s) and %d write(s)\n", readCount, writeCount)
				case kv.IsConflict(err):
					fmt.Printf("commit failed, %d read(s) and %d write(s)\n", readCount, writeCount)
				default:
					return err
				}
				readCount, writeCount = 0, 0
			}
		case "rollback":
			switch conn.Mode() {
			case client.ModeDirect:
				fmt.Println("rolled back nothing, not in a transaction")
			default:
				if err := conn.Rollback(); err != nil {
					return err
				}
				fmt.Printf("rolled back %d read(s) and %d write(s)\n", readCount, writeCount)
				readCount, writeCount = 0, 0
			}
		case "quit", "exit", "bye":
			return nil
		default:
			readCount++
			if begin, end, isScan := strings.Cut(line, "*"); isScan {
				keys, err := conn.ScanKeys(begin, end)
				if err != nil {
					return err
				}
				readCount += len(keys)
				printMatches(line, len(keys))
				for _, key := range keys {
					fmt.Println(key)
				}
			} else {
				value, found, err := conn.Read(line)
				if err != nil {
					return err
				}
				if found {
					fmt.Printf("%s=%s\n", line, value)
				} else {
					fmt.Printf("%s: absent\n", line)
				}
			}
		}
	}
}

func printMatches(pattern string, n int) {
	switch n {
	case 0:
		fmt.Printf("%s: no matches\n", pattern)
	case 1:
		fmt.Printf("%s: 1 match\n", pattern)
	default:
		fmt.Printf("%s: %d matches\n", pattern, n)
	}
}
