package server

import (
	"time"

	"github.com/dreamware/chatring/internal/persist"
)

func (s *Server) restore() error {
	store, err := persist.Open(s.cfg.Persistence.Backend, persist.Path(s.cfg.Persistence.Path, s.self))
	if err != nil {
		return err
	}
	records, err := store.Load()
	if err != nil {
		store.Close()
		return err
	}
	s.store = store
	s.dir.Restore(records)
	return nil
}

func (s *Server) save() error {
	if s.store == nil {
		return nil
	}
	return s.store.Save(s.dir.Snapshot())
}

func (s *Server) closeStore() {
	if s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn().Err(err).Msg("store close")
	}
	s.store = nil
}

// snapshotLoop saves the directory every interval until shutdown.
func (s *Server) snapshotLoop(interval time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			if err := s.save(); err != nil {
				s.log.Error().Err(err).Msg("snapshot failed")
				continue
			}
			s.log.Debug().Msg("directory saved")
		}
	}
}
