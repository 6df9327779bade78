// Package role decides which side of a peer pair drives negotiation.
//
// Both peers evaluate the same total order over their identifiers, so they
// agree on the master without exchanging a single message. The master
// creates offers; the slave asks the master to do so.
package role

// Role of the local side within a peer pair.
type Role string

const (
	Master Role = "master"
	Slave  Role = "slave"
)

// Roles names the master and the slave of a pair.
type Roles struct {
	Master string
	Slave  string
}

// Less reports whether id a ranks below id b. The higher ranked id of a pair
// is the master, so for the pair {"A", "B"} the master is "B".
func Less(a, b string) bool {
	return a < b
}

// Resolve returns the roles for the pair (localID, remoteID).
// Resolve(a, b) and Resolve(b, a) always name the same master.
func Resolve(localID, remoteID string) Roles {
	if Less(localID, remoteID) {
		return Roles{Master: remoteID, Slave: localID}
	}
	return Roles{Master: localID, Slave: remoteID}
}

// Of returns the role the local side plays against remoteID.
func Of(localID, remoteID string) Role {
	if Resolve(localID, remoteID).Master == localID {
		return Master
	}
	return Slave
}

// IsMaster reports whether id is the master of the pair.
func (r Roles) IsMaster(id string) bool {
	return r.Master == id
}
