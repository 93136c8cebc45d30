// Package replication manages a master/replica topology over RESP.
//
// A Manager holds one connection to the master and one per slave. Topology
// changes are issued as REPLICAOF commands, and replication health is read
// back from the master's INFO replication section:
//
//	m := replication.New(replication.Options{
//		Master: replication.NodeConfig{Host: "10.0.0.1", Port: 6379},
//	})
//	if err := m.SetupMaster(ctx); err != nil {
//		return err
//	}
//	defer m.Cleanup()
//
//	if err := m.AddSlave(ctx, replication.NodeConfig{Host: "10.0.0.2", Port: 6379}); err != nil {
//		return err
//	}
//	lag, err := m.GetReplicationLag(ctx)
//
// Promotion does not re-point the remaining slaves. Call RepointSlaves
// after PromoteSlaveToMaster to complete a failover.
package replication
