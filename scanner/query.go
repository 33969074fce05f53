package scanner

// Toplist query sent to the marketplace GraphQL endpoint. The sort order is
// what makes the top-N volume filter meaningful downstream.
const topListQuery = `query TopStatsTableQuery($filter: CollectionFilterInput, $sort: CollectionSortInput, $limit: Int, $cursor: String) {
  topCollections(filter: $filter, sort: $sort, limit: $limit, cursor: $cursor) {
    items {
      slug
      name
      stats {
        oneDay { volume { usd native } sales }
        sevenDay { volume { usd native } sales }
        thirtyDay { volume { usd native } sales }
      }
      floorPrice { pricePerItem { usd native { unit symbol } } }
      topOffer { pricePerItem { usd native { unit symbol } } }
    }
    nextPageCursor
  }
}`
