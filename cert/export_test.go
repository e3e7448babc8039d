package cert

var OrderCandidates = orderCandidates
