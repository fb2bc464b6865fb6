package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/ergochat/readline"

	bindr "github.com/biroman/pkmnbindrnew-sub002"
	"github.com/biroman/pkmnbindrnew-sub002/layout"
	"github.com/biroman/pkmnbindrnew-sub002/model"
)

// session is the minimal auth collaborator: one settable user.
type session struct {
	user atomic.Pointer[string]
}

func (s *session) CurrentUserID() (string, bool) {
	u := s.user.Load()
	if u == nil {
		return "", false
	}
	return *u, true
}

type REPL struct {
	app     *bindr.App
	session *session
	rl      *readline.Instance
}

var ErrBadArgs = errors.New("bad arguments")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("create"),
	readline.PcItem("ls"),
	readline.PcItem("rm"),

	readline.PcItem("show"),
	readline.PcItem("add"),
	readline.PcItem("mv"),
	readline.PcItem("del"),
	readline.PcItem("rh"),

	readline.PcItem("sync"),
	readline.PcItem("revert"),

	readline.PcItem("login"),
	readline.PcItem("logout"),
	readline.PcItem("migrate"),
	readline.PcItem("status"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "▤ ",
		HistoryFile:     ".bindr_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

func (repl *REPL) REPL(ctx context.Context) error {
	line, err := repl.rl.Readline()
	if err == readline.ErrInterrupt && len(line) != 0 {
		return nil
	}
	if err != nil {
		return err
	}
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "help":
		fmt.Fprintln(os.Stderr, "create <name> [rows cols] | ls | rm <binder>")
		fmt.Fprintln(os.Stderr, "show <binder> | add <binder> <name> <rarity> | mv <binder> <card> <slot> | del <binder> <card> | rh <binder> on|off")
		fmt.Fprintln(os.Stderr, "sync <binder> | revert <binder>")
		fmt.Fprintln(os.Stderr, "login <user> | logout | migrate <user> | status | exit")
	case "create":
		err = repl.CommandCreate(ctx, args)
	case "ls", "list":
		err = repl.CommandList(ctx)
	case "rm":
		err = one(args, func(id string) error { return repl.app.DeleteBinder(ctx, id) })
	case "show", "cat":
		err = one(args, func(id string) error { return repl.CommandShow(ctx, id) })
	case "add":
		err = repl.CommandAdd(ctx, args)
	case "mv":
		err = repl.CommandMove(ctx, args)
	case "del":
		if len(args) != 2 {
			return ErrBadArgs
		}
		err = repl.app.State().RemoveCard(args[0], args[1])
	case "rh":
		if len(args) != 2 {
			return ErrBadArgs
		}
		err = repl.app.SetShowReverseHolos(ctx, args[0], args[1] == "on")
	case "sync":
		err = one(args, func(id string) error {
			rep := repl.app.Sync(ctx, id)
			if rep.Err != nil {
				return rep.Err
			}
			fmt.Fprintf(os.Stderr, "added %d, repositioned %d, prefs %v\n",
				rep.Added, rep.Repositioned, rep.PrefsUpdated)
			return nil
		})
	case "revert":
		err = one(args, func(id string) error {
			rep := repl.app.Revert(ctx, id)
			if rep.Err != nil {
				return rep.Err
			}
			fmt.Fprintf(os.Stderr, "reverted to %d cards\n", rep.Reverted)
			return nil
		})
	case "login":
		err = one(args, func(user string) error {
			repl.session.user.Store(&user)
			repl.app.Provider().Refresh(ctx)
			return nil
		})
	case "logout":
		repl.session.user.Store(nil)
		repl.app.Provider().Refresh(ctx)
	case "migrate":
		err = one(args, func(user string) error {
			res := repl.app.Migrate(ctx, user)
			if res.Err != nil {
				return res.Err
			}
			fmt.Fprintf(os.Stderr, "migrated %d binders, %d cards\n", res.Binders, res.Cards)
			return nil
		})
	case "status":
		backend, owner := repl.app.Provider().Active()
		st := backend.Status(ctx)
		fmt.Fprintf(os.Stderr, "backend %s, connected %v, owner %s\n", st.Backend, st.Connected, owner)
	case "exit", "quit":
		return io.EOF
	default:
		fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
	}
	return err
}

func one(args []string, fn func(string) error) error {
	if len(args) != 1 {
		return ErrBadArgs
	}
	return fn(args[0])
}

func (repl *REPL) CommandCreate(ctx context.Context, args []string) error {
	if len(args) != 1 && len(args) != 3 {
		return ErrBadArgs
	}
	b := &model.Binder{Name: args[0], Grid: model.DefaultGrid}
	if len(args) == 3 {
		rows, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		cols, err := strconv.Atoi(args[2])
		if err != nil {
			return err
		}
		b.Grid = model.GridConfig{Rows: rows, Cols: cols}
	}
	id, err := repl.app.CreateBinder(ctx, b)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, id)
	return nil
}

func (repl *REPL) CommandList(ctx context.Context) error {
	binders, err := repl.app.Binders(ctx)
	if err != nil {
		return err
	}
	for _, b := range binders {
		fmt.Fprintf(os.Stderr, "%s\t%s\t%dx%d\t%d cards, %d pages\n",
			b.ID, b.Name, b.Grid.Rows, b.Grid.Cols, b.CardCount, b.PageCount)
	}
	return nil
}

func (repl *REPL) CommandShow(ctx context.Context, binderID string) error {
	bs, err := repl.app.OpenBinder(ctx, binderID)
	if err != nil {
		return err
	}
	cards := bs.Cards
	layout.SortByPosition(cards)
	page := 0
	for _, c := range cards {
		if c.Position.Page != page {
			page = c.Position.Page
			fmt.Fprintf(os.Stderr, "--- page %d ---\n", page)
		}
		marker := " "
		if c.ReverseHolo {
			marker = "*"
		}
		fmt.Fprintf(os.Stderr, "%3d%s %s\t%s\t(%s)\n",
			c.Position.Overall, marker, c.ID, c.Name, c.Rarity)
	}
	if bs.NeedsSync {
		fmt.Fprintln(os.Stderr, "unsynced changes pending")
	}
	return nil
}

func (repl *REPL) CommandAdd(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return ErrBadArgs
	}
	bs, err := repl.app.OpenBinder(ctx, args[0])
	if err != nil {
		return err
	}
	backend, owner := repl.app.Provider().Active()
	b, err := backend.Binder(ctx, owner, args[0])
	if err != nil {
		return err
	}
	c := &model.Card{
		Ref:      strings.ToLower(args[1]),
		Name:     args[1],
		Rarity:   args[2],
		Position: model.PositionAt(len(bs.Cards)+1, b.Grid),
	}
	ids, err := repl.app.State().AddCards(args[0], []*model.Card{c})
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, ids[0])
	return nil
}

func (repl *REPL) CommandMove(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return ErrBadArgs
	}
	overall, err := strconv.Atoi(args[2])
	if err != nil {
		return err
	}
	backend, owner := repl.app.Provider().Active()
	b, err := backend.Binder(ctx, owner, args[0])
	if err != nil {
		return err
	}
	return repl.app.State().MoveCard(args[0], args[1], model.PositionAt(overall, b.Grid))
}

func main() {
	ctx := context.Background()

	dir := os.Getenv("BINDR_DIR")
	opts := bindr.Options{
		Dir:      dir,
		MongoURI: os.Getenv("BINDR_MONGO"),
	}
	sess := &session{}
	app, err := bindr.Open(ctx, sess, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer func() { _ = app.Close() }()

	repl := &REPL{app: app, session: sess}
	if err = repl.Open(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer func() { _ = repl.Close() }()

	for err != io.EOF {
		if err != nil {
			fmt.Fprintln(os.Stdout, err.Error())
		}
		err = repl.REPL(ctx)
	}
}
