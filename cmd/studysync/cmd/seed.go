package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"studysync/internal/model"
	"studysync/internal/repository"
)

// demoRooms are created by the seed command for local development
var demoRooms = []model.Room{
	{
		ID:           "biology-101",
		ActivityKind: model.ActivityCounter,
		Config:       json.RawMessage(`{"start":0,"min":0,"max":100}`),
	},
	{
		ID:           "chem-drill",
		ActivityKind: model.ActivityCounter,
		Config:       json.RawMessage(`{"start":10}`),
	},
	{
		ID:           "study-break",
		ActivityKind: model.ActivityTicTacToe,
		Config:       json.RawMessage(`{"playerX":"alice","playerO":"bob"}`),
	},
}

func newSeedCmd(opts *options) *cobra.Command {
	var createdBy string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create demo room configurations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			store, err := connectStorage(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer store.close(context.Background())

			rooms := repository.NewRoomRepo(store.db)
			for _, room := range demoRooms {
				room.CreatedBy = createdBy
				room.CreatedAt = time.Now().UTC()

				err := rooms.Create(ctx, &room)
				switch {
				case errors.Is(err, model.ErrRoomExists):
					fmt.Fprintf(cmd.OutOrStdout(), "room %s already exists\n", room.ID)
				case err != nil:
					return fmt.Errorf("seed room %s: %w", room.ID, err)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "created room %s (%s)\n", room.ID, room.ActivityKind)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&createdBy, "created-by", "seed", "user recorded as the rooms' creator")
	return cmd
}
