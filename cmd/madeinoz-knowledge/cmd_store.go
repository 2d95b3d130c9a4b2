package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/memory"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/models"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/store"
)

func storeCmd() *cobra.Command {
	var (
		source     string
		importance int
		stability  int
	)

	cmd := &cobra.Command{
		Use:     "store [memory text]",
		Aliases: []string{"remember"},
		Short:   "Store a new memory",
		Long:    "Stores a memory. Importance and stability are assigned by the classifier unless both flags are given.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			rt, err := newRuntime(cmd.Context(), logger)
			if err != nil {
				return fmt.Errorf("store: %w", err)
			}
			defer rt.Close()

			mem, err := rt.memories.Remember(cmd.Context(), memory.RememberRequest{
				Content:    args[0],
				Source:     source,
				Importance: importance,
				Stability:  stability,
			})
			if err != nil {
				return fmt.Errorf("store: %w", err)
			}

			fmt.Printf("Stored memory %s [%s, importance %d, stability %d]\n",
				mem.ID, mem.LifecycleState, mem.Importance, mem.Stability)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "cli", "where the memory came from")
	cmd.Flags().IntVar(&importance, "importance", 0, "importance 1-5 (requires --stability)")
	cmd.Flags().IntVar(&stability, "stability", 0, "stability 1-5 (requires --importance)")
	return cmd
}

func getCmd() *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "get [memory-id]",
		Short: "Retrieve a single memory by ID (counts as an access)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			rt, err := newRuntime(cmd.Context(), logger)
			if err != nil {
				return fmt.Errorf("get: %w", err)
			}
			defer rt.Close()

			mem, err := rt.memories.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get: %w", err)
			}

			if outputJSON {
				out, err := json.MarshalIndent(mem, "", "  ")
				if err != nil {
					return fmt.Errorf("get: marshaling JSON: %w", err)
				}
				fmt.Println(string(out))
				return nil
			}

			fmt.Printf("ID:          %s\n", mem.ID)
			fmt.Printf("State:       %s\n", mem.LifecycleState)
			fmt.Printf("Importance:  %d\n", mem.Importance)
			fmt.Printf("Stability:   %d\n", mem.Stability)
			fmt.Printf("Decay score: %.3f\n", mem.DecayScore)
			fmt.Printf("Source:      %s\n", mem.Source)
			fmt.Printf("Created:     %s\n", mem.CreatedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("Accesses:    %d\n", mem.AccessCount)
			fmt.Printf("\nContent:\n%s\n", mem.Content)
			return nil
		},
	}

	cmd.Flags().BoolVar(&outputJSON, "json", false, "output as JSON")
	return cmd
}

func searchCmd() *cobra.Command {
	var (
		limit      int
		outputJSON bool
	)

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search memories ranked by relevance, recency and importance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			rt, err := newRuntime(cmd.Context(), logger)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			defer rt.Close()

			results, err := rt.memories.Search(cmd.Context(), args[0], limit)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			if outputJSON {
				out, err := json.MarshalIndent(results, "", "  ")
				if err != nil {
					return fmt.Errorf("search: marshaling JSON: %w", err)
				}
				fmt.Println(string(out))
				return nil
			}

			if len(results) == 0 {
				fmt.Println("No matching memories found.")
				return nil
			}
			for i, r := range results {
				fmt.Printf("[%d] (%.3f) [%s] %s\n", i+1, r.FinalScore, r.Memory.LifecycleState, truncate(r.Memory.Content, 100))
				fmt.Printf("    ID: %s | similarity %.2f | recency %.2f | importance %.2f\n",
					r.Memory.ID, r.SimilarityScore, r.RecencyScore, r.ImportanceScore)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", memory.DefaultSearchLimit, "max results")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output as JSON")
	return cmd
}

func listCmd() *cobra.Command {
	var (
		state  string
		limit  uint64
		cursor string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored memories without recording access",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			st, err := newStore(ctx, logger)
			if err != nil {
				return fmt.Errorf("list: connecting to store: %w", err)
			}
			defer func() { _ = st.Close() }()

			var filters *store.Filters
			if state != "" {
				ls := models.LifecycleState(state)
				if !ls.IsValid() {
					return fmt.Errorf("list: invalid --state %q", state)
				}
				filters = store.StateFilter(ls)
			}

			memories, next, err := st.List(ctx, filters, limit, cursor)
			if err != nil {
				return fmt.Errorf("list: fetching memories: %w", err)
			}

			for i, m := range memories {
				fmt.Printf("[%d] [%s] %s\n", i+1, m.LifecycleState, truncate(m.Content, 100))
				fmt.Printf("    ID: %s | importance %d | stability %d | decay %.3f\n", m.ID, m.Importance, m.Stability, m.DecayScore)
			}

			if len(memories) == 0 {
				fmt.Println("No memories found.")
			}
			if next != "" {
				fmt.Printf("\nMore results: --cursor %s\n", next)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "filter by lifecycle state (e.g. DORMANT)")
	cmd.Flags().Uint64Var(&limit, "limit", 50, "max results")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue after this memory ID")
	return cmd
}

func forgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget [memory-id]",
		Short: "Delete a memory by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			st, err := newStore(ctx, logger)
			if err != nil {
				return fmt.Errorf("forget: connecting to store: %w", err)
			}
			defer func() { _ = st.Close() }()

			if err := st.Delete(ctx, args[0]); err != nil {
				return fmt.Errorf("forget: deleting memory: %w", err)
			}

			fmt.Printf("Deleted memory %s\n", args[0])
			return nil
		},
	}
}
